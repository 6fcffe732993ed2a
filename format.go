package typstbridge

import (
	"strings"

	"github.com/wippyai/typst-bridge/engine"
	"github.com/wippyai/typst-bridge/errors"
)

// Format is an output format.
type Format string

const (
	FormatPDF Format = "pdf"
	FormatSVG Format = "svg"
	FormatPNG Format = "png"
)

// Formats lists the supported formats.
var Formats = []Format{FormatPDF, FormatSVG, FormatPNG}

// ParseFormat accepts pdf, svg and png in any case. Anything else fails
// with an unsupported_format error.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := f.code(); !ok {
		return "", errors.UnsupportedFormat(s)
	}
	return f, nil
}

func (f Format) code() (engine.FormatCode, bool) {
	switch f {
	case FormatPDF:
		return engine.FormatPDF, true
	case FormatSVG:
		return engine.FormatSVG, true
	case FormatPNG:
		return engine.FormatPNG, true
	}
	return 0, false
}

// Extension returns the file extension, including the dot.
func (f Format) Extension() string { return "." + string(f) }

// MediaType returns the MIME type of the format.
func (f Format) MediaType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatSVG:
		return "image/svg+xml"
	case FormatPNG:
		return "image/png"
	}
	return "application/octet-stream"
}
