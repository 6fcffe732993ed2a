package typstbridge

import (
	"bytes"
	"math"
	"time"

	"github.com/wippyai/typst-bridge/engine"
	"github.com/wippyai/typst-bridge/errors"
	"github.com/wippyai/typst-bridge/value"
)

// DefaultPPI is the raster resolution used when Options.PPI is zero.
const DefaultPPI = 144

// Options tune one compile.
type Options struct {
	// Root resolves relative includes and images.
	Root string

	// FontPaths are extra directories searched for fonts.
	FontPaths []string

	// FontFiles are extra font files.
	FontFiles []string

	// PPI is the PNG resolution. Default 144.
	PPI float64

	// Page selects the page rendered to SVG or PNG, from 0.
	Page uint32

	// SystemFonts lets the engine search OS font directories. Off by default
	// so output does not depend on the machine.
	SystemFonts bool

	// Timestamp fixes the document date. Nil leaves it unset.
	Timestamp *time.Time

	// Timeout overrides the compiler's default timeout. Advisory.
	Timeout time.Duration

	// File names the markup in diagnostics. Default "main.typ".
	File string
}

// Request is a validated compile request. It is immutable; the input data
// is encoded once when the request is built.
type Request struct {
	markup  []byte
	input   *value.Map
	encoded []byte
	opts    Options
	format  Format
	code    engine.FormatCode
}

// NewRequest validates a compile request. input may be nil, a *value.Map,
// a value.Value holding a map, or string-keyed Go maps and slices. Empty
// markup is allowed and reaches the engine unchanged.
func NewRequest(markup []byte, input any, format Format, opts Options) (*Request, error) {
	code, ok := format.code()
	if !ok {
		return nil, errors.UnsupportedFormat(string(format))
	}

	m, err := value.MapFromGo(input)
	if err != nil {
		return nil, err
	}
	// Validation bounds the walk, so it runs before the deep copy.
	if err := value.ValidateMap(m); err != nil {
		return nil, err
	}
	m = m.Clone()
	encoded, err := m.MarshalCBOR()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEncode, errors.KindInvalidInput, err, "encode input data")
	}

	if math.IsNaN(opts.PPI) || math.IsInf(opts.PPI, 0) || opts.PPI < 0 {
		return nil, errors.New(errors.PhaseValidate, errors.KindInvalidInput).
			Path("ppi").
			Value(opts.PPI).
			Detail("ppi must be a positive number").
			Build()
	}
	if opts.PPI == 0 {
		opts.PPI = DefaultPPI
	}
	if opts.Timeout < 0 {
		return nil, errors.InvalidInput(errors.PhaseValidate, []string{"timeout"}, "timeout must not be negative")
	}
	if opts.File == "" {
		opts.File = "main.typ"
	}
	opts.FontPaths = append([]string(nil), opts.FontPaths...)
	opts.FontFiles = append([]string(nil), opts.FontFiles...)
	if opts.Timestamp != nil {
		ts := *opts.Timestamp
		opts.Timestamp = &ts
	}

	return &Request{
		markup:  bytes.Clone(markup),
		input:   m,
		encoded: encoded,
		opts:    opts,
		format:  format,
		code:    code,
	}, nil
}

// Markup returns a copy of the markup.
func (r *Request) Markup() []byte { return bytes.Clone(r.markup) }

// Input returns a copy of the input data.
func (r *Request) Input() *value.Map { return r.input.Clone() }

func (r *Request) Format() Format { return r.format }

func (r *Request) Options() Options { return r.opts }

func (r *Request) wireOptions() engine.WireOptions {
	w := engine.WireOptions{
		Root:        r.opts.Root,
		FontPaths:   r.opts.FontPaths,
		FontFiles:   r.opts.FontFiles,
		PPI:         r.opts.PPI,
		Page:        r.opts.Page,
		SystemFonts: r.opts.SystemFonts,
	}
	if r.opts.Timestamp != nil {
		ts := r.opts.Timestamp.Unix()
		w.Timestamp = &ts
	}
	return w
}

// Artifact is a rendered document. Data is owned by the caller.
type Artifact struct {
	Data   []byte
	Format Format
}
