package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"runtime"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/typst-bridge/errors"
)

// WASMConfig holds configuration for the WASM backend.
type WASMConfig struct {
	// CacheDir stores compiled machine code across processes. Empty keeps
	// the compilation in memory only.
	CacheDir string

	// FSRoot is mounted read-only at "/" in the guest so absolute font and
	// include paths resolve unchanged. Defaults to "/".
	FSRoot string

	// MaxInstances bounds concurrently running instances.
	// 0 means GOMAXPROCS.
	MaxInstances int

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32
}

// outSlotSize is the (ptr u32, len u32) pair the engine writes its result to.
const outSlotSize = 8

// wasmEngine runs a WASM engine build. wazero instances are single
// threaded, so each call checks one out of a bounded pool.
type wasmEngine struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cache    wazero.CompilationCache
	modCfg   wazero.ModuleConfig
	idle     chan *wasmInstance
	slots    chan struct{}
	path     string
	abi      uint32
	caps     Capabilities
}

type wasmInstance struct {
	mod     api.Module
	mem     api.Memory
	compile api.Function
	alloc   api.Function
	free    api.Function
}

func openWASM(ctx context.Context, path string, cfg WASMConfig) (Symbols, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.LoadFailed(path, err)
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		cache, err = wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			Logger().Warn("wasm compilation cache unavailable",
				zap.String("dir", cfg.CacheDir), zap.Error(err))
		} else {
			runtimeCfg = runtimeCfg.WithCompilationCache(cache)
		}
	}

	e := &wasmEngine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		cache:   cache,
		path:    path,
	}
	if err := e.init(ctx, bin, cfg); err != nil {
		_ = e.Close(ctx)
		return nil, err
	}
	return e, nil
}

func (e *wasmEngine) init(ctx context.Context, bin []byte, cfg WASMConfig) error {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		return errors.LoadFailed(e.path, fmt.Errorf("instantiate WASI: %w", err))
	}

	compiled, err := e.runtime.CompileModule(ctx, bin)
	if err != nil {
		return errors.LoadFailed(e.path, fmt.Errorf("compile failed: %w", err))
	}
	e.compiled = compiled
	if err := checkExports(compiled); err != nil {
		return errors.SymbolMismatch(e.path, err.Error())
	}

	root := cfg.FSRoot
	if root == "" {
		root = "/"
	}
	e.modCfg = wazero.NewModuleConfig().
		WithName(""). // anonymous for parallel instantiation
		WithStartFunctions("_initialize").
		WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(root, "/"))

	size := cfg.MaxInstances
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	e.idle = make(chan *wasmInstance, size)
	e.slots = make(chan struct{}, size)

	inst, err := e.instantiate(ctx)
	if err != nil {
		return errors.LoadFailed(e.path, err)
	}
	abi, err := inst.call32(ctx, SymABIVersion)
	if err != nil {
		return errors.LoadFailed(e.path, err)
	}
	caps, err := inst.call32(ctx, SymCapabilities)
	if err != nil {
		return errors.LoadFailed(e.path, err)
	}
	e.abi = abi
	// Every call owns its instance and a trapped instance is discarded.
	e.caps = Capabilities(caps) | CapReentrant | CapIsolatedFaults
	e.idle <- inst
	return nil
}

// checkExports verifies the ABI v1 entry points and their signatures.
func checkExports(compiled wazero.CompiledModule) error {
	i32 := api.ValueTypeI32
	want := []struct {
		name    string
		params  int
		results []api.ValueType
	}{
		{SymABIVersion, 0, []api.ValueType{i32}},
		{SymCapabilities, 0, []api.ValueType{i32}},
		{SymCompile, 8, []api.ValueType{i32}},
		{SymFree, 2, nil},
		{SymAlloc, 1, []api.ValueType{i32}},
	}

	exports := compiled.ExportedFunctions()
	for _, w := range want {
		def, ok := exports[w.name]
		if !ok {
			return fmt.Errorf("missing entry point %s", w.name)
		}
		params, results := def.ParamTypes(), def.ResultTypes()
		if len(params) != w.params || len(results) != len(w.results) {
			return fmt.Errorf("%s: signature %s, want %d i32 params and %d results",
				w.name, signature(params, results), w.params, len(w.results))
		}
		for _, p := range params {
			if p != i32 {
				return fmt.Errorf("%s: signature %s, params must be i32", w.name, signature(params, results))
			}
		}
		for _, r := range results {
			if r != i32 {
				return fmt.Errorf("%s: signature %s, result must be i32", w.name, signature(params, results))
			}
		}
	}
	if _, ok := compiled.ExportedMemories()[SymMemory]; !ok {
		return fmt.Errorf("missing exported memory %q", SymMemory)
	}
	return nil
}

func signature(params, results []api.ValueType) string {
	name := func(ts []api.ValueType) string {
		s := "("
		for i, t := range ts {
			if i > 0 {
				s += ","
			}
			s += api.ValueTypeName(t)
		}
		return s + ")"
	}
	return name(params) + "->" + name(results)
}

func (e *wasmEngine) instantiate(ctx context.Context) (*wasmInstance, error) {
	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, e.modCfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate failed: %w", err)
	}
	inst := &wasmInstance{
		mod:     mod,
		mem:     mod.Memory(),
		compile: mod.ExportedFunction(SymCompile),
		alloc:   mod.ExportedFunction(SymAlloc),
		free:    mod.ExportedFunction(SymFree),
	}
	if inst.mem == nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("instance has no memory")
	}
	return inst, nil
}

func (e *wasmEngine) ABIVersion() uint32 { return e.abi }

func (e *wasmEngine) Capabilities() Capabilities { return e.caps }

// acquire checks out an idle instance or creates one within the pool bound.
func (e *wasmEngine) acquire(ctx context.Context) (*wasmInstance, error) {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case inst := <-e.idle:
		return inst, nil
	default:
	}
	inst, err := e.instantiate(ctx)
	if err != nil {
		<-e.slots
		return nil, err
	}
	return inst, nil
}

func (e *wasmEngine) put(inst *wasmInstance) {
	e.idle <- inst
	<-e.slots
}

// discard drops an instance whose state can no longer be trusted.
func (e *wasmEngine) discard(inst *wasmInstance) {
	_ = inst.mod.Close(context.Background())
	<-e.slots
}

func (e *wasmEngine) Compile(ctx context.Context, call *Call) (*Result, error) {
	inst, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}

	res, err := e.invoke(ctx, inst, call)
	if err != nil {
		e.discard(inst)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exit *sys.ExitError
		if stderrors.As(err, &exit) {
			switch exit.ExitCode() {
			case sys.ExitCodeContextCanceled:
				return nil, context.Canceled
			case sys.ExitCodeDeadlineExceeded:
				return nil, context.DeadlineExceeded
			}
		}
		return nil, err
	}
	return res, nil
}

func (e *wasmEngine) invoke(ctx context.Context, inst *wasmInstance, call *Call) (*Result, error) {
	var owned [][2]uint32
	place := func(data []byte) (uint32, error) {
		if len(data) == 0 {
			return 0, nil
		}
		ptr, err := inst.write(ctx, data)
		if err != nil {
			return 0, err
		}
		owned = append(owned, [2]uint32{ptr, uint32(len(data))})
		return ptr, nil
	}

	markup, err := place(call.Markup)
	if err != nil {
		return nil, err
	}
	input, err := place(call.Input)
	if err != nil {
		return nil, err
	}
	options, err := place(call.Options)
	if err != nil {
		return nil, err
	}
	slot, err := place(make([]byte, outSlotSize))
	if err != nil {
		return nil, err
	}

	ret, err := inst.compile.Call(ctx,
		uint64(markup), uint64(len(call.Markup)),
		uint64(input), uint64(len(call.Input)),
		uint64(call.Format),
		uint64(options), uint64(len(call.Options)),
		uint64(slot))
	if err != nil {
		return nil, fmt.Errorf("wasm trap in %s: %w", SymCompile, err)
	}
	for _, b := range owned[:len(owned)-1] {
		inst.release(ctx, b[0], b[1])
	}
	status := Status(int32(uint32(ret[0])))

	outPtr, ok1 := inst.mem.ReadUint32Le(slot)
	outLen, ok2 := inst.mem.ReadUint32Le(slot + 4)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("result slot out of bounds")
	}
	inst.release(ctx, slot, outSlotSize)
	if outPtr == 0 {
		if outLen != 0 {
			return nil, fmt.Errorf("engine returned a nil buffer of length %d", outLen)
		}
		e.put(inst)
		return NewResult(status, nil, nil), nil
	}
	data, ok := inst.mem.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("result buffer out of bounds: offset=%d, length=%d", outPtr, outLen)
	}

	// The view stays valid while the instance is checked out.
	return NewResult(status, data, func() {
		inst.release(context.Background(), outPtr, outLen)
		e.put(inst)
	}), nil
}

func (i *wasmInstance) call32(ctx context.Context, name string) (uint32, error) {
	ret, err := i.mod.ExportedFunction(name).Call(ctx)
	if err != nil {
		return 0, fmt.Errorf("call %s: %w", name, err)
	}
	return uint32(ret[0]), nil
}

func (i *wasmInstance) write(ctx context.Context, data []byte) (uint32, error) {
	ret, err := i.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("call %s: %w", SymAlloc, err)
	}
	ptr := uint32(ret[0])
	if ptr == 0 {
		return 0, fmt.Errorf("%s(%d) returned null", SymAlloc, len(data))
	}
	if !i.mem.Write(ptr, data) {
		return 0, fmt.Errorf("write out of bounds: offset=%d, length=%d", ptr, len(data))
	}
	return ptr, nil
}

func (i *wasmInstance) release(ctx context.Context, ptr, size uint32) {
	if _, err := i.free.Call(ctx, uint64(ptr), uint64(size)); err != nil {
		Logger().Warn("failed to free engine buffer",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err))
	}
}

func (e *wasmEngine) Close(ctx context.Context) error {
	err := e.runtime.Close(ctx)
	if e.cache != nil {
		if cerr := e.cache.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}
