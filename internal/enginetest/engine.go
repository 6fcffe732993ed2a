// Package enginetest provides an in-process engine that honours the native
// contract. It substitutes {{path}} bindings from the input data, reports
// missing bindings with spans, renders small deterministic PDF, SVG and PNG
// documents, and can simulate faults and slow calls.
package enginetest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/wippyai/typst-bridge/codec"
	"github.com/wippyai/typst-bridge/engine"
	"github.com/wippyai/typst-bridge/value"
)

// Default markers recognised in markup.
const (
	FaultMarker = "#fault()"
	SleepMarker = "#sleep()"
	PageBreak   = "#pagebreak()"
)

// StatusFault is returned for simulated faults. It is outside the contract.
const StatusFault engine.Status = 0x7f

// Scribble is written over released buffers.
const Scribble = 0xAA

// Config configures an Engine.
type Config struct {
	// Capabilities defaults to all formats, reentrant.
	Capabilities engine.Capabilities

	// ABIVersion defaults to engine.ABIVersion.
	ABIVersion uint32

	// Delay is how long markup containing SleepMarker blocks. The sleep
	// ignores the context, like a native call would.
	Delay time.Duration
}

// Engine is a deterministic stand-in for the native engine.
type Engine struct {
	cfg         Config
	calls       atomic.Int64
	opens       atomic.Int64
	outstanding atomic.Int64
	closed      atomic.Bool
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.Capabilities == 0 {
		cfg.Capabilities = engine.CapReentrant | engine.CapPDF | engine.CapSVG | engine.CapPNG
	}
	if cfg.ABIVersion == 0 {
		cfg.ABIVersion = engine.ABIVersion
	}
	if cfg.Delay == 0 {
		cfg.Delay = 200 * time.Millisecond
	}
	return &Engine{cfg: cfg}
}

// Opener returns an engine.Opener that hands out this engine, for
// engine.LoaderOptions.Open.
func (e *Engine) Opener() engine.Opener {
	return func(context.Context, engine.Target) (engine.Symbols, error) {
		e.opens.Add(1)
		e.closed.Store(false)
		return e, nil
	}
}

// Calls returns the number of compile calls that reached the engine.
func (e *Engine) Calls() int64 { return e.calls.Load() }

// Opens returns how many times the engine was loaded.
func (e *Engine) Opens() int64 { return e.opens.Load() }

// Outstanding returns the number of result buffers not yet released.
func (e *Engine) Outstanding() int64 { return e.outstanding.Load() }

// Closed reports whether the loader closed the engine.
func (e *Engine) Closed() bool { return e.closed.Load() }

func (e *Engine) ABIVersion() uint32 { return e.cfg.ABIVersion }

func (e *Engine) Capabilities() engine.Capabilities { return e.cfg.Capabilities }

func (e *Engine) Close(context.Context) error {
	e.closed.Store(true)
	return nil
}

func (e *Engine) Compile(_ context.Context, call *engine.Call) (*engine.Result, error) {
	e.calls.Add(1)
	markup := call.Markup

	if bytes.Contains(markup, []byte(FaultMarker)) {
		return engine.NewResult(StatusFault, nil, nil), nil
	}
	if bytes.Contains(markup, []byte(SleepMarker)) {
		time.Sleep(e.cfg.Delay)
	}

	if !utf8.Valid(markup) {
		return e.diagnostics(engine.StatusInvalidInput, engine.WireDiagnostic{
			Severity: "error",
			Message:  "markup is not valid UTF-8",
		})
	}
	input := value.Object(value.NewMap())
	if len(call.Input) > 0 {
		v, err := value.Decode(call.Input)
		if err != nil {
			return e.diagnostics(engine.StatusInvalidInput, engine.WireDiagnostic{
				Severity: "error",
				Message:  "input data: " + err.Error(),
			})
		}
		input = v
	}
	var opts engine.WireOptions
	if len(call.Options) > 0 {
		if err := codec.Unmarshal(call.Options, &opts); err != nil {
			return e.diagnostics(engine.StatusInvalidInput, engine.WireDiagnostic{
				Severity: "error",
				Message:  "options: " + err.Error(),
			})
		}
	}
	if !e.cfg.Capabilities.Has(call.Format.Capability()) || call.Format.Capability() == 0 {
		return e.diagnostics(engine.StatusInvalidInput, engine.WireDiagnostic{
			Severity: "error",
			Message:  fmt.Sprintf("unsupported output format %d", call.Format),
		})
	}

	text, diags := Render(string(markup), input)
	if len(diags) > 0 {
		return e.diagnostics(engine.StatusCompileError, diags...)
	}
	pages := strings.Split(text, PageBreak)

	var out []byte
	switch call.Format {
	case engine.FormatPDF:
		out = renderPDF(pages, opts)
	default:
		page := int(opts.Page)
		if page >= len(pages) {
			return e.diagnostics(engine.StatusInvalidInput, engine.WireDiagnostic{
				Severity: "error",
				Message:  fmt.Sprintf("page %d out of range, document has %d", page, len(pages)),
			})
		}
		if call.Format == engine.FormatSVG {
			out = renderSVG(pages[page])
		} else {
			var err error
			if out, err = renderPNG(pages[page], opts.PPI); err != nil {
				return nil, err
			}
		}
	}
	return e.result(engine.StatusOK, out), nil
}

func (e *Engine) diagnostics(status engine.Status, diags ...engine.WireDiagnostic) (*engine.Result, error) {
	payload, err := codec.Marshal(diags)
	if err != nil {
		return nil, err
	}
	return e.result(status, payload), nil
}

// result hands out an engine-owned buffer that is scribbled on release, so
// a caller keeping a view past Release sees garbage.
func (e *Engine) result(status engine.Status, data []byte) *engine.Result {
	buf := bytes.Clone(data)
	e.outstanding.Add(1)
	return engine.NewResult(status, buf, func() {
		for i := range buf {
			buf[i] = Scribble
		}
		e.outstanding.Add(-1)
	})
}

// Render substitutes {{path}} bindings in markup. Paths are dotted; list
// elements are addressed by index. Unknown or unterminated bindings produce
// diagnostics with the byte span of the binding.
func Render(markup string, input value.Value) (string, []engine.WireDiagnostic) {
	var (
		b     strings.Builder
		diags []engine.WireDiagnostic
	)
	rest, offset := markup, 0
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		start := offset + open
		closing := strings.Index(rest[open+2:], "}}")
		if closing < 0 {
			diags = append(diags, engine.WireDiagnostic{
				Severity: "error",
				Message:  "unclosed binding",
				Span:     &engine.WireSpan{Start: start, End: len(markup)},
				Hints:    []string{"close the binding with }}"},
			})
			break
		}
		end := start + 2 + closing + 2
		name := strings.TrimSpace(rest[open+2 : open+2+closing])

		v, ok := input.Lookup(strings.Split(name, ".")...)
		if !ok || name == "" {
			d := engine.WireDiagnostic{
				Severity: "error",
				Message:  fmt.Sprintf("unknown variable: %s", name),
				Span:     &engine.WireSpan{Start: start, End: end},
			}
			if m, isMap := input.AsMap(); isMap && m.Len() > 0 {
				d.Hints = []string{"available keys: " + strings.Join(m.Keys(), ", ")}
			}
			diags = append(diags, d)
		} else {
			b.WriteString(v.Text())
		}

		consumed := open + 2 + closing + 2
		rest = rest[consumed:]
		offset += consumed
	}
	return b.String(), diags
}

func renderPDF(pages []string, opts engine.WireOptions) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.7\n")
	n := len(pages)
	kids := make([]string, n)
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	fmt.Fprintf(&b, "2 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n", strings.Join(kids, " "), n)
	for i, page := range pages {
		stream := fmt.Sprintf("BT /F1 12 Tf 72 770 Td (%s) Tj ET", pdfEscape(page))
		fmt.Fprintf(&b, "%d 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] /Contents %d 0 R >>\nendobj\n", 3+2*i, 4+2*i)
		fmt.Fprintf(&b, "%d 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", 4+2*i, len(stream), stream)
	}
	b.WriteString("trailer\n<< /Root 1 0 R")
	if opts.Timestamp != nil {
		ts := time.Unix(*opts.Timestamp, 0).UTC()
		fmt.Fprintf(&b, " /Info << /CreationDate (D:%s) >>", ts.Format("20060102150405Z"))
	}
	b.WriteString(" >>\n%%EOF\n")
	return b.Bytes()
}

func pdfEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`, "\n", `\n`)
	return r.Replace(s)
}

func renderSVG(page string) []byte {
	var text bytes.Buffer
	for _, r := range page {
		switch r {
		case '<':
			text.WriteString("&lt;")
		case '>':
			text.WriteString("&gt;")
		case '&':
			text.WriteString("&amp;")
		case '"':
			text.WriteString("&quot;")
		default:
			text.WriteRune(r)
		}
	}
	return []byte(fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="595pt" height="842pt" viewBox="0 0 595 842">`+
		`<text x="72" y="72" font-size="12">%s</text></svg>`, text.String()))
}

func renderPNG(page string, ppi float64) ([]byte, error) {
	if ppi <= 0 {
		ppi = 144
	}
	w := int(ppi/72*32) + 1
	h := w / 2
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	seed := uint32(2166136261)
	for _, c := range []byte(page) {
		seed = (seed ^ uint32(c)) * 16777619
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := seed ^ uint32(x*31+y*17)
			img.Set(x, y, color.NRGBA{R: byte(v), G: byte(v >> 8), B: byte(v >> 16), A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
