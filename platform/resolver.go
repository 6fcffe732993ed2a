package platform

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wippyai/typst-bridge/errors"
)

// Options configures a Resolver.
type Options struct {
	Logger *zap.Logger

	// BundleDir is the directory manifest file paths are relative to.
	BundleDir string

	// CacheDir receives verified, decompressed binaries. Empty disables the
	// cache; compressed bundles then fail to resolve.
	CacheDir string

	// Fallbacks are tried in order when the requested key has no entry.
	Fallbacks []Key
}

// Resolved is a verified engine binary on disk.
type Resolved struct {
	Key      Key
	Path     string
	Checksum Checksum
	Cached   bool
}

// Resolver maps platform keys to verified engine binaries.
type Resolver struct {
	manifest *Manifest
	log      *zap.Logger
	opts     Options
}

// NewResolver creates a resolver over manifest.
func NewResolver(manifest *Manifest, opts Options) *Resolver {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{manifest: manifest, opts: opts, log: log}
}

// Manifest returns the resolver's manifest.
func (r *Resolver) Manifest() *Manifest { return r.manifest }

// Resolve locates and verifies the binary for key. The checksum is always
// verified before a path is returned.
func (r *Resolver) Resolve(ctx context.Context, key Key) (Resolved, error) {
	entry, ok := r.manifest.Lookup(key)
	if !ok {
		for _, fb := range r.opts.Fallbacks {
			if entry, ok = r.manifest.Lookup(fb); ok {
				r.log.Info("using fallback engine build",
					zap.String("requested", key.String()),
					zap.String("fallback", fb.String()))
				break
			}
		}
	}
	if !ok {
		return Resolved{}, errors.UnsupportedPlatform(key.String())
	}
	if err := ctx.Err(); err != nil {
		return Resolved{}, errors.Wrap(errors.PhaseResolve, errors.KindTimeout, err, "resolve cancelled")
	}

	sum := entry.Sum()
	cached := r.cachePath(entry)
	if cached != "" {
		if res, ok := r.checkCached(entry, cached); ok {
			return res, nil
		}
	}

	bundled := filepath.Join(r.opts.BundleDir, filepath.FromSlash(entry.File))
	raw, err := os.ReadFile(bundled)
	if err != nil {
		return Resolved{}, errors.BinaryNotFound(bundled, err)
	}
	data, err := decompress(entry.Compression, raw)
	if err != nil {
		return Resolved{}, errors.New(errors.PhaseResolve, errors.KindChecksumMismatch).
			Path(bundled).
			Cause(err).
			Detail("%s bundle does not decompress", entry.Compression).
			Build()
	}
	got, ok := sum.Verify(data)
	if !ok {
		return Resolved{}, errors.ChecksumMismatch(bundled, sum.String(), got.String())
	}

	if cached != "" {
		err := writeThrough(cached, data)
		if err == nil {
			return Resolved{Key: entry.Key(), Path: cached, Checksum: sum, Cached: true}, nil
		}
		r.log.Warn("engine cache not writable", zap.String("path", cached), zap.Error(err))
	}
	if entry.Compression != CompressionNone {
		return Resolved{}, errors.BinaryNotFound(bundled,
			fmt.Errorf("%s bundle needs a writable cache directory", entry.Compression))
	}
	return Resolved{Key: entry.Key(), Path: bundled, Checksum: sum}, nil
}

func (r *Resolver) cachePath(e *Entry) string {
	if r.opts.CacheDir == "" {
		return ""
	}
	key := e.Key()
	return filepath.Join(r.opts.CacheDir, fmt.Sprintf("abi%d", key.ABI), key.String(), e.CachedName())
}

func (r *Resolver) checkCached(e *Entry, path string) (Resolved, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !stderrors.Is(err, fs.ErrNotExist) {
			r.log.Debug("engine cache unreadable", zap.String("path", path), zap.Error(err))
		}
		return Resolved{}, false
	}
	sum := e.Sum()
	if got, ok := sum.Verify(data); !ok {
		r.log.Warn("discarding corrupted cached engine",
			zap.String("path", path),
			zap.String("want", sum.String()),
			zap.String("got", got.String()))
		_ = os.Remove(path)
		return Resolved{}, false
	}
	return Resolved{Key: e.Key(), Path: path, Checksum: sum, Cached: true}, true
}

// writeThrough stores data at path atomically. An exclusive lock on a
// sibling lock file keeps concurrent processes from racing on the rename.
func writeThrough(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer lock.Close()
	if err := lockFile(lock); err != nil {
		return err
	}
	defer func() { _ = unlockFile(lock) }()

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o755); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
