package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ABIVersion is the native contract version this package speaks. An engine
// reporting a different version fails to load with a symbol mismatch.
const ABIVersion uint32 = 1

// Exported entry points of an engine binary.
const (
	SymABIVersion   = "typst_bridge_abi_version"
	SymCapabilities = "typst_bridge_capabilities"
	SymCompile      = "typst_bridge_compile"
	SymFree         = "typst_bridge_free"

	// WASM builds only
	SymAlloc  = "typst_bridge_alloc"
	SymMemory = "memory"
)

// Capabilities is the bit set returned by typst_bridge_capabilities.
type Capabilities uint32

const (
	CapReentrant      Capabilities = 1 << 0 // concurrent compile calls allowed
	CapIsolatedFaults Capabilities = 1 << 1 // a fault leaves other calls usable
	CapPDF            Capabilities = 1 << 8
	CapSVG            Capabilities = 1 << 9
	CapPNG            Capabilities = 1 << 10
)

// Has reports whether all bits of f are set.
func (c Capabilities) Has(f Capabilities) bool {
	return c&f == f
}

func (c Capabilities) String() string {
	var parts []string
	for _, n := range []struct {
		bit  Capabilities
		name string
	}{
		{CapReentrant, "reentrant"},
		{CapIsolatedFaults, "isolated-faults"},
		{CapPDF, "pdf"},
		{CapSVG, "svg"},
		{CapPNG, "png"},
	} {
		if c.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// FormatCode is the output format argument of typst_bridge_compile.
type FormatCode uint32

const (
	FormatPDF FormatCode = 0
	FormatSVG FormatCode = 1
	FormatPNG FormatCode = 2
)

func (f FormatCode) String() string {
	switch f {
	case FormatPDF:
		return "pdf"
	case FormatSVG:
		return "svg"
	case FormatPNG:
		return "png"
	}
	return fmt.Sprintf("format(%d)", uint32(f))
}

// Capability returns the capability bit advertising support for f.
func (f FormatCode) Capability() Capabilities {
	switch f {
	case FormatPDF:
		return CapPDF
	case FormatSVG:
		return CapSVG
	case FormatPNG:
		return CapPNG
	}
	return 0
}

// Status is the return code of typst_bridge_compile.
type Status int32

const (
	StatusOK           Status = 0 // payload is the artifact
	StatusCompileError Status = 1 // payload is CBOR diagnostics
	StatusInvalidInput Status = 2 // payload is CBOR diagnostics
)

// Known reports whether s is part of the contract. Anything else is a fault.
func (s Status) Known() bool {
	return s >= StatusOK && s <= StatusInvalidInput
}

// Call holds the encoded arguments of one compile call. The slices are
// borrowed for the duration of the call only.
type Call struct {
	Markup  []byte
	Input   []byte
	Options []byte
	Format  FormatCode
}

// Result is an engine-owned payload. Data is only valid until Release.
type Result struct {
	release func()
	Data    []byte
	once    sync.Once
	Status  Status
}

// NewResult wraps an engine buffer. release returns it to the engine and may
// be nil.
func NewResult(status Status, data []byte, release func()) *Result {
	return &Result{Status: status, Data: data, release: release}
}

// Release hands the buffer back to the engine. Safe to call more than once.
func (r *Result) Release() {
	r.once.Do(func() {
		if r.release != nil {
			r.release()
		}
		r.Data = nil
	})
}

// Symbols is a loaded engine: the resolved entry points of one binary.
type Symbols interface {
	ABIVersion() uint32
	Capabilities() Capabilities
	Compile(ctx context.Context, call *Call) (*Result, error)
	Close(ctx context.Context) error
}
