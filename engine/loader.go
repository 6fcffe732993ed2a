package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/typst-bridge/errors"
)

// Backend selects how an engine binary is loaded.
type Backend string

const (
	BackendShared Backend = "shared" // native shared library via dlopen
	BackendWASM   Backend = "wasm"   // WebAssembly module run by wazero
)

// Target names an engine binary to load.
type Target struct {
	Path    string
	Backend Backend
	WASM    WASMConfig
}

// TargetFor infers the backend from the file extension.
func TargetFor(path string) Target {
	backend := BackendShared
	if strings.EqualFold(filepath.Ext(path), ".wasm") {
		backend = BackendWASM
	}
	return Target{Path: path, Backend: backend}
}

func (t Target) key() string {
	if abs, err := filepath.Abs(t.Path); err == nil {
		return abs
	}
	return filepath.Clean(t.Path)
}

// Opener opens the engine binary named by a target.
type Opener func(ctx context.Context, t Target) (Symbols, error)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// Open replaces the backend dispatch. Used to plug in test engines.
	Open   Opener
	Logger *zap.Logger
}

// Loader loads engine binaries at most once per path and holds the single
// live handle.
type Loader struct {
	open  Opener
	log   *zap.Logger
	slots map[string]*slot
	live  *Handle
	mu    sync.Mutex
}

type slot struct {
	done   chan struct{}
	handle *Handle
	err    error
}

// NewLoader creates a loader.
func NewLoader(opts LoaderOptions) *Loader {
	l := &Loader{
		open:  opts.Open,
		log:   opts.Logger,
		slots: make(map[string]*slot),
	}
	if l.open == nil {
		l.open = openBackend
	}
	return l
}

var (
	defaultLoader     *Loader
	defaultLoaderOnce sync.Once
)

// DefaultLoader returns the process-wide loader.
func DefaultLoader() *Loader {
	defaultLoaderOnce.Do(func() {
		defaultLoader = NewLoader(LoaderOptions{})
	})
	return defaultLoader
}

func (l *Loader) logger() *zap.Logger {
	if l.log != nil {
		return l.log
	}
	return Logger()
}

// Load returns the handle for t, opening the binary on first use.
//
// Concurrent callers for the same path share one attempt and observe the
// same outcome. A failed path keeps returning its recorded error until
// ClearFailures. Once a handle is live, a different path fails to load.
func (l *Loader) Load(ctx context.Context, t Target) (*Handle, error) {
	key := t.key()

	l.mu.Lock()
	if l.live != nil {
		h := l.live
		l.mu.Unlock()
		if h.key != key {
			return nil, errors.LoadFailed(t.Path,
				fmt.Errorf("engine already loaded from %s", h.target.Path))
		}
		return h, nil
	}
	s, ok := l.slots[key]
	owner := !ok
	if owner {
		s = &slot{done: make(chan struct{})}
		l.slots[key] = s
	}
	l.mu.Unlock()

	if owner {
		// Waiters share this attempt, so it must not die with the first
		// caller's context.
		s.handle, s.err = l.attempt(context.WithoutCancel(ctx), t, key)
		close(s.done)
	}

	select {
	case <-s.done:
		return s.handle, s.err
	case <-ctx.Done():
		return nil, errors.New(errors.PhaseLoad, errors.KindTimeout).
			Path(t.Path).
			Cause(ctx.Err()).
			Detail("waiting for engine load").
			Build()
	}
}

func (l *Loader) attempt(ctx context.Context, t Target, key string) (*Handle, error) {
	log := l.logger().With(zap.String("path", t.Path), zap.String("backend", string(t.Backend)))
	log.Debug("loading engine")

	sym, err := l.open(ctx, t)
	if err != nil {
		log.Warn("engine load failed", zap.Error(err))
		return nil, asLoadError(t.Path, err)
	}
	if v := sym.ABIVersion(); v != ABIVersion {
		_ = sym.Close(ctx)
		err := errors.SymbolMismatch(t.Path, fmt.Sprintf("engine ABI version %d, want %d", v, ABIVersion))
		log.Warn("engine load failed", zap.Error(err))
		return nil, err
	}

	h := &Handle{target: t, key: key, sym: sym, caps: sym.Capabilities()}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.live != nil {
		_ = sym.Close(ctx)
		return nil, errors.LoadFailed(t.Path,
			fmt.Errorf("engine already loaded from %s", l.live.target.Path))
	}
	l.live = h
	log.Info("engine loaded", zap.Stringer("capabilities", h.caps))
	return h, nil
}

func asLoadError(path string, err error) error {
	if errors.KindOf(err) != "" {
		return err
	}
	return errors.LoadFailed(path, err)
}

// Live returns the loaded handle, or nil.
func (l *Loader) Live() *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

// Reset drops an invalidated handle so the next Load opens its path again.
// A handle that is still valid cannot be reset.
func (l *Loader) Reset(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if h.Err() == nil {
		return errors.New(errors.PhaseLoad, errors.KindLoadFailed).
			Path(h.target.Path).
			Detail("handle is still valid").
			Build()
	}

	l.mu.Lock()
	if l.live == h {
		l.live = nil
		delete(l.slots, h.key)
	}
	l.mu.Unlock()

	l.logger().Info("engine handle reset", zap.String("path", h.target.Path))
	return h.sym.Close(ctx)
}

// ClearFailures forgets recorded load failures so their paths may be tried
// again.
func (l *Loader) ClearFailures() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, s := range l.slots {
		select {
		case <-s.done:
			if s.err != nil {
				delete(l.slots, key)
			}
		default:
		}
	}
}

// Handle is the loaded engine. It is shared by every caller and never
// copied.
type Handle struct {
	sym     Symbols
	invalid atomic.Pointer[errors.Error]
	target  Target
	key     string
	mu      sync.Mutex
	caps    Capabilities
}

// Target returns what the handle was loaded from.
func (h *Handle) Target() Target { return h.target }

// Capabilities returns the engine's advertised capabilities.
func (h *Handle) Capabilities() Capabilities { return h.caps }

// Err returns the invalidation error, or nil while the handle is usable.
func (h *Handle) Err() error {
	if e := h.invalid.Load(); e != nil {
		return e
	}
	return nil
}

// Invalidate marks the handle unusable. Later calls fail with a native
// fault until the loader resets it. Only the first cause is kept.
func (h *Handle) Invalidate(cause error) {
	err := errors.NativeFault("engine handle invalidated by an earlier fault", cause)
	if h.invalid.CompareAndSwap(nil, err) {
		Logger().Error("engine handle invalidated",
			zap.String("path", h.target.Path),
			zap.Error(cause))
	}
}

// Compile invokes the engine. Engines that are not reentrant are serialized
// on the handle until the result is released.
func (h *Handle) Compile(ctx context.Context, call *Call) (*Result, error) {
	if err := h.Err(); err != nil {
		return nil, err
	}
	if h.caps.Has(CapReentrant) {
		return h.sym.Compile(ctx, call)
	}

	h.mu.Lock()
	held := true
	defer func() {
		if held {
			h.mu.Unlock()
		}
	}()
	res, err := h.sym.Compile(ctx, call)
	if err != nil || res == nil {
		return res, err
	}
	held = false
	release := res.release
	res.release = func() {
		defer h.mu.Unlock()
		if release != nil {
			release()
		}
	}
	return res, nil
}

func openBackend(ctx context.Context, t Target) (Symbols, error) {
	debugf("open %s backend for %s", t.Backend, t.Path)
	switch t.Backend {
	case BackendWASM:
		return openWASM(ctx, t.Path, t.WASM)
	case BackendShared, "":
		return openShared(t.Path)
	default:
		return nil, errors.LoadFailed(t.Path, fmt.Errorf("unknown backend %q", t.Backend))
	}
}
