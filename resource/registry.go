package resource

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/typst-bridge/errors"
)

// sfnt magic numbers accepted as font files.
var magics = [][]byte{
	{0x00, 0x01, 0x00, 0x00},
	[]byte("OTTO"),
	[]byte("true"),
	[]byte("ttcf"),
}

// Registry indexes the font bundle shipped next to the engine.
type Registry struct {
	bundle *Bundle
	err    error
	log    *zap.Logger

	// Root is the bundle directory. Empty yields an empty bundle.
	Root string

	// Required families must be present and readable.
	Required []string

	once sync.Once
}

// NewRegistry creates a registry over root.
func NewRegistry(root string, required []string, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{Root: root, Required: required, log: log}
}

// Init scans the bundle once. Later calls return the same bundle or error.
func (r *Registry) Init() (*Bundle, error) {
	r.once.Do(func() {
		if r.log == nil {
			r.log = zap.NewNop()
		}
		r.bundle, r.err = r.scan()
	})
	return r.bundle, r.err
}

func (r *Registry) scan() (*Bundle, error) {
	b := &Bundle{
		table: NewTable[Face](),
		index: make(map[string]Handle),
	}

	w := &walker{root: r.Root, log: r.log, bundle: b, unreadable: make(map[string]error)}
	if r.Root != "" {
		if _, err := os.Stat(r.Root); err != nil {
			return nil, errors.ResourceInitFailed("font bundle "+r.Root, err)
		}
		w.walk(r.Root, nil)
	}
	b.table.Seal()

	for _, fam := range r.Required {
		if b.HasFamily(fam) {
			continue
		}
		if cause, ok := w.unreadable[strings.ToLower(fam)]; ok {
			return nil, errors.ResourceInitFailed(fmt.Sprintf("required font family %q is unreadable", fam), cause)
		}
		return nil, errors.ResourceInitFailed(fmt.Sprintf("required font family %q not found in %q", fam, r.Root), nil)
	}

	r.log.Debug("font bundle indexed",
		zap.String("root", r.Root),
		zap.Int("faces", b.Len()),
		zap.Int("warnings", len(b.warnings)))
	return b, nil
}

// walker visits the bundle in lexical order and follows symlinks. Paths
// keep the link names so family directories reached through a link are
// named after the link.
type walker struct {
	root       string
	log        *zap.Logger
	bundle     *Bundle
	unreadable map[string]error
}

// walk indexes dir. parents holds the resolved directories above it, which
// stops symlink loops.
func (w *walker) walk(dir string, parents []string) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		w.bundle.warn(w.log, fmt.Sprintf("%s: %v", dir, err))
		return
	}
	for _, p := range parents {
		if p == resolved {
			w.bundle.warn(w.log, fmt.Sprintf("skipping %s: symlink loop back to %s", dir, resolved))
			return
		}
	}
	parents = append(parents, resolved)

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.bundle.warn(w.log, fmt.Sprintf("%s: %v", dir, err))
		return
	}
	for _, d := range entries {
		path := filepath.Join(dir, d.Name())
		isDir := d.IsDir()
		if d.Type()&fs.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil {
				w.bundle.warn(w.log, fmt.Sprintf("skipping %s: %v", path, err))
				continue
			}
			isDir = info.IsDir()
		}
		if isDir {
			w.walk(path, parents)
			continue
		}
		w.file(path)
	}
}

func (w *walker) file(path string) {
	format, ok := fontFormat(path)
	if !ok {
		return
	}
	family, style := faceName(w.root, path)
	size, err := checkMagic(path)
	if err != nil {
		w.unreadable[strings.ToLower(family)] = err
		w.bundle.warn(w.log, fmt.Sprintf("skipping %s: %v", path, err))
		return
	}
	w.bundle.add(w.log, Face{Family: family, Style: style, Path: path, Format: format, Size: size})
}

func fontFormat(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ttf":
		return FormatTTF, true
	case ".otf":
		return FormatOTF, true
	case ".ttc":
		return FormatTTC, true
	case ".otc":
		return FormatOTC, true
	}
	return "", false
}

// faceName applies the Family-Style naming convention. A dashless file in a
// family directory takes the directory as family and its own name as style.
func faceName(root, path string) (family, style string) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.LastIndexByte(base, '-'); i > 0 && i < len(base)-1 {
		return base[:i], base[i+1:]
	}
	dir := filepath.Dir(path)
	if filepath.Clean(dir) != filepath.Clean(root) {
		return filepath.Base(dir), base
	}
	return strings.Trim(base, "-"), DefaultStyle
}

func checkMagic(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var head [4]byte
	if _, err := io.ReadFull(f, head[:]); err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	known := false
	for _, m := range magics {
		if bytes.Equal(head[:], m) {
			known = true
			break
		}
	}
	if !known {
		return 0, fmt.Errorf("not an sfnt font (magic %x)", head)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Bundle is the immutable font index. It is shared read-only; faces are
// handed out by value.
type Bundle struct {
	table    *Table[Face]
	index    map[string]Handle
	warnings []string
}

func faceKey(family, style string) string {
	return strings.ToLower(family) + "\x00" + strings.ToLower(style)
}

func (b *Bundle) add(log *zap.Logger, f Face) {
	key := faceKey(f.Family, f.Style)
	if h, dup := b.index[key]; dup {
		first, _ := b.table.Get(h)
		b.warn(log, fmt.Sprintf("skipping %s: %s %s already provided by %s", f.Path, f.Family, f.Style, first.Path))
		return
	}
	// The handle is the next slot; Insert hands out handles in order.
	f.Handle = Handle(b.table.Len() + 1)
	b.table.Insert(f)
	b.index[key] = f.Handle
}

func (b *Bundle) warn(log *zap.Logger, msg string) {
	b.warnings = append(b.warnings, msg)
	log.Warn("font bundle", zap.String("warning", msg))
}

// Warnings lists the files skipped during the scan and why.
func (b *Bundle) Warnings() []string {
	if b == nil {
		return nil
	}
	return append([]string(nil), b.warnings...)
}

// Lookup finds a face by family and style, ignoring case. An empty style
// means Regular.
func (b *Bundle) Lookup(family, style string) (Face, bool) {
	if b == nil {
		return Face{}, false
	}
	if style == "" {
		style = DefaultStyle
	}
	h, ok := b.index[faceKey(family, style)]
	if !ok {
		return Face{}, false
	}
	return b.table.Get(h)
}

// Face returns the face for a handle.
func (b *Bundle) Face(h Handle) (Face, bool) {
	if b == nil {
		return Face{}, false
	}
	return b.table.Get(h)
}

// Faces lists every face in path order.
func (b *Bundle) Faces() []Face {
	if b == nil {
		return nil
	}
	faces := make([]Face, 0, b.table.Len())
	b.table.Each(func(_ Handle, f Face) bool {
		faces = append(faces, f)
		return true
	})
	return faces
}
// Files lists the font file paths in path order.
func (b *Bundle) Files() []string {
	faces := b.Faces()
	files := make([]string, len(faces))
	for i, f := range faces {
		files[i] = f.Path
	}
	return files
}

// Families lists the distinct family names, sorted.
func (b *Bundle) Families() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range b.Faces() {
		if !seen[f.Family] {
			seen[f.Family] = true
			out = append(out, f.Family)
		}
	}
	sort.Strings(out)
	return out
}

// HasFamily reports whether any face belongs to family, ignoring case.
func (b *Bundle) HasFamily(family string) bool {
	for _, f := range b.Faces() {
		if strings.EqualFold(f.Family, family) {
			return true
		}
	}
	return false
}

// Len returns the number of faces.
func (b *Bundle) Len() int {
	if b == nil {
		return 0
	}
	return b.table.Len()
}
