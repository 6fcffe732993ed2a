package resource

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/wippyai/typst-bridge/errors"
)

var (
	ttfHeader = []byte{0x00, 0x01, 0x00, 0x00, 0, 0, 0, 0}
	otfHeader = []byte("OTTO\x00\x00\x00\x00")
	ttcHeader = []byte("ttcf\x00\x02\x00\x00")
)

func writeFonts(t *testing.T, files map[string][]byte) string {
	t.Helper()
	root := t.TempDir()
	for name, data := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestRegistry_Index(t *testing.T) {
	root := writeFonts(t, map[string][]byte{
		"Inter-Regular.ttf":         ttfHeader,
		"Inter-BoldItalic.TTF":      ttfHeader,
		"Libertinus-Serif-Bold.otf": otfHeader,
		"Mono.ttc":                  ttcHeader,
		"Noto/Italic.otf":           otfHeader,
		"README.txt":                []byte("not a font"),
	})

	b, err := NewRegistry(root, []string{"inter", "Noto"}, nil).Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if b.Len() != 5 {
		t.Fatalf("Len = %d, want 5: %v", b.Len(), b.Files())
	}

	tests := []struct {
		family, style string
		wantBase      string
		format        Format
	}{
		{"Inter", "", "Inter-Regular.ttf", FormatTTF},
		{"inter", "bolditalic", "Inter-BoldItalic.TTF", FormatTTF},
		{"Libertinus-Serif", "Bold", "Libertinus-Serif-Bold.otf", FormatOTF},
		{"Mono", "Regular", "Mono.ttc", FormatTTC},
		{"Noto", "Italic", "Italic.otf", FormatOTF},
	}
	for _, tt := range tests {
		f, ok := b.Lookup(tt.family, tt.style)
		if !ok {
			t.Errorf("Lookup(%q, %q) not found", tt.family, tt.style)
			continue
		}
		if filepath.Base(f.Path) != tt.wantBase || f.Format != tt.format {
			t.Errorf("Lookup(%q, %q) = %s (%s)", tt.family, tt.style, f.Path, f.Format)
		}
		if got, ok := b.Face(f.Handle); !ok || got != f {
			t.Errorf("Face(%d) does not round-trip", f.Handle)
		}
	}
	if !FormatTTC.IsCollection() || FormatTTF.IsCollection() {
		t.Error("IsCollection mismatch")
	}

	want := []string{"Inter", "Libertinus-Serif", "Mono", "Noto"}
	if got := b.Families(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Families = %v, want %v", got, want)
	}

	files := b.Files()
	for i := 1; i < len(files); i++ {
		if files[i-1] > files[i] {
			t.Errorf("files not in lexical order: %v", files)
		}
	}
}

func TestRegistry_UnreadableIsWarning(t *testing.T) {
	root := writeFonts(t, map[string][]byte{
		"Good-Regular.ttf":   ttfHeader,
		"Broken-Regular.ttf": []byte("garbage!"),
		"Short-Regular.otf":  []byte("OT"),
	})

	b, err := NewRegistry(root, []string{"Good"}, nil).Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if b.Len() != 1 {
		t.Errorf("Len = %d, want 1", b.Len())
	}
	if len(b.Warnings()) != 2 {
		t.Errorf("Warnings = %v, want 2 entries", b.Warnings())
	}
}

func TestRegistry_RequiredFamilies(t *testing.T) {
	tests := []struct {
		name     string
		files    map[string][]byte
		required []string
		detail   string
	}{
		{
			name:     "missing",
			files:    map[string][]byte{"Inter-Regular.ttf": ttfHeader},
			required: []string{"Inter", "Roboto"},
			detail:   `"Roboto" not found`,
		},
		{
			name:     "unreadable",
			files:    map[string][]byte{"Roboto-Regular.ttf": []byte("nope")},
			required: []string{"Roboto"},
			detail:   "unreadable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := writeFonts(t, tt.files)
			_, err := NewRegistry(root, tt.required, nil).Init()
			if !errors.IsKind(err, errors.KindResourceInitFailed) {
				t.Fatalf("err = %v, want resource_init_failed", err)
			}
			if !strings.Contains(err.Error(), tt.detail) {
				t.Errorf("error %q should contain %q", err, tt.detail)
			}
		})
	}
}

func TestRegistry_MissingRoot(t *testing.T) {
	_, err := NewRegistry(filepath.Join(t.TempDir(), "absent"), nil, nil).Init()
	if !errors.IsKind(err, errors.KindResourceInitFailed) {
		t.Fatalf("err = %v, want resource_init_failed", err)
	}
}

func TestRegistry_EmptyRoot(t *testing.T) {
	b, err := NewRegistry("", nil, nil).Init()
	if err != nil {
		t.Fatal(err)
	}
	if b.Len() != 0 || len(b.Files()) != 0 {
		t.Error("empty root should give an empty bundle")
	}
	if _, err := NewRegistry("", []string{"Inter"}, nil).Init(); err == nil {
		t.Error("required family with no root should fail")
	}
}

func TestRegistry_InitOnce(t *testing.T) {
	root := writeFonts(t, map[string][]byte{"Inter-Regular.ttf": ttfHeader})
	reg := NewRegistry(root, nil, nil)

	var wg sync.WaitGroup
	bundles := make([]*Bundle, 8)
	for i := range bundles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bundles[i], _ = reg.Init()
		}(i)
	}
	wg.Wait()
	for i, b := range bundles {
		if b == nil || b != bundles[0] {
			t.Fatalf("caller %d got a different bundle", i)
		}
	}

	// files added after init are not picked up
	if err := os.WriteFile(filepath.Join(root, "Late-Regular.ttf"), ttfHeader, 0o644); err != nil {
		t.Fatal(err)
	}
	b, _ := reg.Init()
	if _, ok := b.Lookup("Late", ""); ok {
		t.Error("bundle must be immutable after init")
	}
}

func TestRegistry_DuplicateFace(t *testing.T) {
	root := writeFonts(t, map[string][]byte{
		"a/Inter-Regular.ttf": ttfHeader,
		"b/Inter-Regular.otf": otfHeader,
	})
	b, err := NewRegistry(root, nil, nil).Init()
	if err != nil {
		t.Fatal(err)
	}
	f, ok := b.Lookup("Inter", "Regular")
	if !ok || f.Format != FormatTTF {
		t.Fatalf("first face in path order should win, got %+v", f)
	}
	if len(b.Warnings()) != 1 {
		t.Errorf("Warnings = %v", b.Warnings())
	}
}

func symlink(t *testing.T, target, link string) {
	t.Helper()
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
}

func TestRegistry_FollowsSymlinks(t *testing.T) {
	shared := writeFonts(t, map[string][]byte{
		"Bold.otf":    otfHeader,
		"Regular.otf": otfHeader,
	})
	single := writeFonts(t, map[string][]byte{"Inter-Regular.ttf": ttfHeader})
	root := writeFonts(t, map[string][]byte{"Mono-Regular.ttf": ttfHeader})

	symlink(t, shared, filepath.Join(root, "Noto"))
	symlink(t, filepath.Join(single, "Inter-Regular.ttf"), filepath.Join(root, "Inter-Regular.ttf"))
	symlink(t, root, filepath.Join(root, "loop"))
	symlink(t, filepath.Join(root, "absent.ttf"), filepath.Join(root, "Dangling-Regular.ttf"))

	b, err := NewRegistry(root, []string{"Noto", "Inter"}, nil).Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, want := range [][2]string{{"Noto", "Bold"}, {"Noto", "Regular"}, {"Inter", ""}, {"Mono", ""}} {
		f, ok := b.Lookup(want[0], want[1])
		if !ok {
			t.Errorf("Lookup(%q, %q) not found: %v", want[0], want[1], b.Files())
			continue
		}
		if !strings.HasPrefix(f.Path, root) {
			t.Errorf("path %s should stay under the bundle root", f.Path)
		}
	}
	if b.Len() != 4 {
		t.Errorf("Len = %d, want 4: %v", b.Len(), b.Files())
	}

	warnings := strings.Join(b.Warnings(), "\n")
	for _, want := range []string{"symlink loop", "Dangling-Regular.ttf"} {
		if !strings.Contains(warnings, want) {
			t.Errorf("warnings should mention %q:\n%s", want, warnings)
		}
	}
}

func TestBundle_ReadOnly(t *testing.T) {
	root := writeFonts(t, map[string][]byte{
		"Inter-Regular.ttf":  ttfHeader,
		"Broken-Regular.ttf": []byte("garbage!"),
	})
	b, err := NewRegistry(root, nil, nil).Init()
	if err != nil {
		t.Fatal(err)
	}

	f, _ := b.Lookup("Inter", "")
	f.Path = "/tmp/evil.ttf"
	b.Faces()[0].Family = "Evil"
	b.Warnings()[0] = "rewritten"

	again, ok := b.Lookup("Inter", "")
	if !ok || again.Path == "/tmp/evil.ttf" || again.Family != "Inter" {
		t.Errorf("bundle face was modified through a returned copy: %+v", again)
	}
	if b.Warnings()[0] == "rewritten" {
		t.Error("bundle warnings were modified through a returned slice")
	}
}

func TestTable(t *testing.T) {
	table := NewTable[string]()
	h := table.Insert("a")
	if h == 0 {
		t.Fatal("expected non-zero handle")
	}
	if v, ok := table.Get(h); !ok || v != "a" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	if _, ok := table.Get(0); ok {
		t.Error("handle 0 must be invalid")
	}
	if _, ok := table.Get(h + 1); ok {
		t.Error("out of range handle must be invalid")
	}

	table.Seal()
	if table.Insert("b") != 0 {
		t.Error("sealed table must reject inserts")
	}
	if table.Len() != 1 {
		t.Errorf("Len = %d", table.Len())
	}

	var seen []Handle
	table.Each(func(h Handle, _ string) bool {
		seen = append(seen, h)
		return true
	})
	if len(seen) != 1 || seen[0] != h {
		t.Errorf("Each visited %v", seen)
	}
}
