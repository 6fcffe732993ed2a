//go:build darwin || freebsd || linux || netbsd || windows

package engine

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"

	"github.com/wippyai/typst-bridge/errors"
)

// closeLibrary unmaps a library whose entry points did not resolve.
var closeLibrary = dlclose

// sharedEngine calls a native shared library through purego.
type sharedEngine struct {
	abiVersion   func() uint32
	capabilities func() uint32
	compile      func(markup unsafe.Pointer, markupLen uintptr,
		input unsafe.Pointer, inputLen uintptr,
		format uint32,
		options unsafe.Pointer, optionsLen uintptr,
		outPtr *unsafe.Pointer, outLen *uintptr) int32
	free func(ptr unsafe.Pointer, n uintptr)
	path string
}

func openShared(path string) (Symbols, error) {
	lib, err := dlopen(path)
	if err != nil {
		return nil, errors.LoadFailed(path, err)
	}

	e := &sharedEngine{path: path}
	for _, sym := range []struct {
		fptr any
		name string
	}{
		{&e.abiVersion, SymABIVersion},
		{&e.capabilities, SymCapabilities},
		{&e.compile, SymCompile},
		{&e.free, SymFree},
	} {
		addr, err := dlsym(lib, sym.name)
		if err != nil || addr == 0 {
			if cerr := closeLibrary(lib); cerr != nil {
				Logger().Warn("failed to close engine library",
					zap.String("path", path), zap.Error(cerr))
			}
			return nil, errors.SymbolMismatch(path, fmt.Sprintf("missing entry point %s", sym.name))
		}
		purego.RegisterFunc(sym.fptr, addr)
	}
	return e, nil
}

func (e *sharedEngine) ABIVersion() uint32 { return e.abiVersion() }

func (e *sharedEngine) Capabilities() Capabilities {
	return Capabilities(e.capabilities())
}

func (e *sharedEngine) Compile(_ context.Context, call *Call) (*Result, error) {
	var (
		out    unsafe.Pointer
		outLen uintptr
	)
	status := e.compile(
		bytesPtr(call.Markup), uintptr(len(call.Markup)),
		bytesPtr(call.Input), uintptr(len(call.Input)),
		uint32(call.Format),
		bytesPtr(call.Options), uintptr(len(call.Options)),
		&out, &outLen,
	)

	if out == nil {
		if outLen != 0 {
			return nil, fmt.Errorf("engine returned a nil buffer of length %d", outLen)
		}
		return NewResult(Status(status), nil, nil), nil
	}
	data := unsafe.Slice((*byte)(out), outLen)
	return NewResult(Status(status), data, func() { e.free(out, outLen) }), nil
}

// Close keeps the library mapped: a call abandoned on timeout may still be
// running inside it.
func (e *sharedEngine) Close(context.Context) error { return nil }

func bytesPtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(b))
}
