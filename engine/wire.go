package engine

// CBOR payloads exchanged with typst_bridge_compile. Input data is a CBOR
// map written by the value package; the types here cover the options
// argument and the diagnostics returned with a non-zero status.

// WireOptions is the options argument.
type WireOptions struct {
	Timestamp   *int64   `cbor:"timestamp,omitempty"` // unix seconds
	Root        string   `cbor:"root,omitempty"`
	FontPaths   []string `cbor:"font_paths,omitempty"`
	FontFiles   []string `cbor:"font_files,omitempty"`
	PPI         float64  `cbor:"ppi,omitempty"`
	Page        uint32   `cbor:"page"`
	SystemFonts bool     `cbor:"system_fonts"`
}

// WireSpan is a byte range into the markup.
type WireSpan struct {
	Start int `cbor:"start"`
	End   int `cbor:"end"`
}

// WireTracePoint is one frame of a diagnostic's trace.
type WireTracePoint struct {
	Span    *WireSpan `cbor:"span,omitempty"`
	Message string    `cbor:"message"`
}

// WireDiagnostic is one entry of the diagnostics array.
type WireDiagnostic struct {
	Span     *WireSpan        `cbor:"span,omitempty"`
	Severity string           `cbor:"severity"`
	Message  string           `cbor:"message"`
	Hints    []string         `cbor:"hints,omitempty"`
	Trace    []WireTracePoint `cbor:"trace,omitempty"`
}
