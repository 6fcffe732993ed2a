package typstbridge

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/typst-bridge/bridge"
	"github.com/wippyai/typst-bridge/config"
	"github.com/wippyai/typst-bridge/engine"
	"github.com/wippyai/typst-bridge/errors"
	"github.com/wippyai/typst-bridge/platform"
	"github.com/wippyai/typst-bridge/resource"
)

// Config configures a Compiler.
type Config struct {
	Logger *zap.Logger

	// Manifest is the binary manifest file.
	Manifest string

	// BundleDir holds the files the manifest names. Defaults to the
	// manifest's directory.
	BundleDir string

	// CacheDir receives verified binaries and compiled WASM. Empty disables
	// both caches.
	CacheDir string

	// FontRoot is the font bundle. Empty means no bundled fonts.
	FontRoot string

	// RequiredFonts must be present in the bundle.
	RequiredFonts []string

	FaultPolicy    bridge.FaultPolicy
	MaxOutputBytes int64

	// WASM configures the WASM backend when the resolved binary is one.
	WASM engine.WASMConfig

	// FallbackWASM resolves the portable WASM build when the platform has no
	// native binary.
	FallbackWASM bool

	// Timeout applies to calls whose Options leave it unset.
	Timeout time.Duration

	// Platform overrides detection.
	Platform platform.Key

	// Loader defaults to the process-wide loader.
	Loader *engine.Loader
}

// ConfigFrom converts a loaded configuration file.
func ConfigFrom(c *config.Config) (Config, error) {
	policy, err := bridge.ParseFaultPolicy(c.FaultPolicy)
	if err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "fault_policy")
	}
	return Config{
		Manifest:       c.Manifest,
		BundleDir:      c.BundleDir,
		CacheDir:       c.CacheDir,
		FontRoot:       c.Fonts.Root,
		RequiredFonts:  c.Fonts.Required,
		FaultPolicy:    policy,
		MaxOutputBytes: c.MaxOutputBytes,
		WASM: engine.WASMConfig{
			MaxInstances:     c.WASM.MaxInstances,
			MemoryLimitPages: c.WASM.MemoryLimitPages,
		},
		FallbackWASM: c.FallbackWASM,
		Timeout:      c.Timeout,
	}, nil
}

// Compiler compiles documents with the engine for the running platform.
// It initializes lazily on the first compile and is safe for concurrent
// use.
type Compiler struct {
	log      *zap.Logger
	loader   *engine.Loader
	bridge   *bridge.Bridge
	state    atomic.Pointer[state]
	pending  *initCall
	initErr  error
	registry *resource.Registry
	cfg      Config
	mu       sync.Mutex
}

// state is what a successful initialization produces. It never changes.
type state struct {
	handle   *engine.Handle
	fonts    *resource.Bundle
	resolved platform.Resolved
}

type initCall struct {
	done chan struct{}
	st   *state
	err  error
}

// New creates a compiler. Nothing is loaded until the first compile.
func New(cfg Config) *Compiler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Loader == nil {
		cfg.Loader = engine.DefaultLoader()
	}
	if cfg.Platform == (platform.Key{}) {
		cfg.Platform = platform.Detect()
	}
	if cfg.BundleDir == "" && cfg.Manifest != "" {
		cfg.BundleDir = filepath.Dir(cfg.Manifest)
	}
	if cfg.WASM.CacheDir == "" && cfg.CacheDir != "" {
		cfg.WASM.CacheDir = filepath.Join(cfg.CacheDir, "wazero")
	}
	return &Compiler{
		cfg:    cfg,
		log:    cfg.Logger,
		loader: cfg.Loader,
		bridge: bridge.New(bridge.Options{
			Logger:         cfg.Logger.Named("bridge"),
			MaxOutputBytes: cfg.MaxOutputBytes,
			FaultPolicy:    cfg.FaultPolicy,
		}),
		registry: resource.NewRegistry(cfg.FontRoot, cfg.RequiredFonts, cfg.Logger.Named("fonts")),
	}
}

// Platform returns the platform key the compiler resolves binaries for.
func (c *Compiler) Platform() platform.Key { return c.cfg.Platform }

// Fonts returns the font bundle, scanning it on first use. It does not load
// the engine.
func (c *Compiler) Fonts() (*resource.Bundle, error) {
	c.mu.Lock()
	reg := c.registry
	c.mu.Unlock()
	return reg.Init()
}

// Resolve locates and verifies the engine binary without loading it.
func (c *Compiler) Resolve(ctx context.Context) (platform.Resolved, error) {
	if c.cfg.Manifest == "" {
		return platform.Resolved{}, errors.NotInitialized(errors.PhaseResolve, "binary manifest")
	}
	m, err := platform.LoadManifest(c.cfg.Manifest)
	if err != nil {
		return platform.Resolved{}, err
	}
	opts := platform.Options{
		Logger:    c.log.Named("resolver"),
		BundleDir: c.cfg.BundleDir,
		CacheDir:  c.cfg.CacheDir,
	}
	if c.cfg.FallbackWASM {
		opts.Fallbacks = []platform.Key{platform.WASM}
	}
	return platform.NewResolver(m, opts).Resolve(ctx, c.cfg.Platform)
}

// Compile renders markup with input data. See NewRequest for accepted
// input values.
func (c *Compiler) Compile(ctx context.Context, markup []byte, input any, format Format, opts Options) (*Artifact, error) {
	req, err := NewRequest(markup, input, format, opts)
	if err != nil {
		return nil, err
	}
	return c.CompileRequest(ctx, req)
}

// CompileRequest renders a validated request. Exactly one of the results
// is non-nil.
func (c *Compiler) CompileRequest(ctx context.Context, req *Request) (*Artifact, error) {
	if req == nil {
		return nil, errors.InvalidInput(errors.PhaseValidate, nil, "nil request")
	}
	st, err := c.init(ctx)
	if err != nil {
		return nil, err
	}

	timeout := req.opts.Timeout
	if timeout == 0 {
		timeout = c.cfg.Timeout
	}
	out, err := c.bridge.Invoke(ctx, st.handle, &bridge.Call{
		Fonts:   st.fonts,
		Markup:  req.markup,
		Input:   req.encoded,
		File:    req.opts.File,
		Options: req.wireOptions(),
		Format:  req.code,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	return &Artifact{Data: out.Data, Format: req.format}, nil
}

// Reinit discards an invalidated engine handle and any cached
// initialization failure, then initializes again. A healthy compiler is
// left alone.
func (c *Compiler) Reinit(ctx context.Context) error {
	for {
		c.mu.Lock()
		p := c.pending
		if p == nil {
			break
		}
		c.mu.Unlock()
		select {
		case <-p.done:
		case <-ctx.Done():
			return errors.Timeout(ctx.Err())
		}
	}

	st := c.state.Load()
	if st != nil && st.handle.Err() == nil {
		c.mu.Unlock()
		return nil
	}
	if st != nil {
		if err := c.loader.Reset(ctx, st.handle); err != nil {
			c.log.Warn("engine reset", zap.Error(err))
		}
		c.state.Store(nil)
	}
	c.loader.ClearFailures()
	if c.initErr != nil {
		c.log.Info("clearing cached initialization failure", zap.Error(c.initErr))
		c.initErr = nil
	}
	if _, err := c.registry.Init(); err != nil {
		c.registry = resource.NewRegistry(c.cfg.FontRoot, c.cfg.RequiredFonts, c.log.Named("fonts"))
	}
	c.mu.Unlock()

	_, err := c.init(ctx)
	return err
}

// init returns the initialized state. Concurrent first callers share one
// attempt, which runs to completion even if they give up waiting. Failures
// are kept until Reinit.
func (c *Compiler) init(ctx context.Context) (*state, error) {
	if st := c.state.Load(); st != nil {
		return st, nil
	}

	c.mu.Lock()
	if st := c.state.Load(); st != nil {
		c.mu.Unlock()
		return st, nil
	}
	if c.initErr != nil {
		err := c.initErr
		c.mu.Unlock()
		return nil, err
	}
	call := c.pending
	if call == nil {
		call = &initCall{done: make(chan struct{})}
		c.pending = call
		reg := c.registry
		go c.run(context.WithoutCancel(ctx), call, reg)
	}
	c.mu.Unlock()

	select {
	case <-call.done:
		return call.st, call.err
	case <-ctx.Done():
		return nil, errors.Timeout(ctx.Err())
	}
}

func (c *Compiler) run(ctx context.Context, call *initCall, reg *resource.Registry) {
	start := time.Now()
	call.st, call.err = c.initialize(ctx, reg)

	c.mu.Lock()
	if call.err != nil {
		c.initErr = call.err
		c.log.Error("initialization failed", zap.Error(call.err))
	} else {
		c.state.Store(call.st)
		c.log.Info("engine ready",
			zap.Stringer("platform", call.st.resolved.Key),
			zap.String("path", call.st.resolved.Path),
			zap.Stringer("capabilities", call.st.handle.Capabilities()),
			zap.Int("fonts", call.st.fonts.Len()),
			zap.Duration("elapsed", time.Since(start)))
	}
	c.pending = nil
	c.mu.Unlock()
	close(call.done)
}

// initialize runs resolver, loader and font registry in order.
func (c *Compiler) initialize(ctx context.Context, reg *resource.Registry) (*state, error) {
	resolved, err := c.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	target := engine.TargetFor(resolved.Path)
	target.WASM = c.cfg.WASM
	h, err := c.loader.Load(ctx, target)
	if err != nil {
		return nil, err
	}

	fonts, err := reg.Init()
	if err != nil {
		return nil, err
	}
	return &state{handle: h, fonts: fonts, resolved: resolved}, nil
}

var (
	defaultCompiler     *Compiler
	defaultCompilerOnce sync.Once
)

// Default returns the process-wide compiler, configured from the
// environment (see package config). A configuration error is returned by
// every compile until Reinit.
func Default() *Compiler {
	defaultCompilerOnce.Do(func() {
		cfg, err := config.Load()
		if err == nil {
			var cc Config
			if cc, err = ConfigFrom(cfg); err == nil {
				defaultCompiler = New(cc)
				return
			}
		}
		defaultCompiler = New(Config{})
		defaultCompiler.initErr = err
	})
	return defaultCompiler
}

// Compile renders markup with the default compiler.
func Compile(ctx context.Context, markup []byte, input any, format Format, opts Options) (*Artifact, error) {
	return Default().Compile(ctx, markup, input, format, opts)
}
