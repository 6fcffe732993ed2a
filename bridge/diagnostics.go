package bridge

import (
	"fmt"
	"unicode/utf8"

	"github.com/wippyai/typst-bridge/codec"
	"github.com/wippyai/typst-bridge/engine"
	"github.com/wippyai/typst-bridge/errors"
)

// DecodeDiagnostics decodes a diagnostics payload and resolves spans to
// 1-based line and column positions in markup.
func DecodeDiagnostics(payload, markup []byte, file string) ([]errors.Diagnostic, error) {
	var wire []engine.WireDiagnostic
	if err := codec.Unmarshal(payload, &wire); err != nil {
		if diag, derr := codec.Diagnose(payload); derr == nil && len(diag) < 256 {
			return nil, fmt.Errorf("diagnostics %s: %w", diag, err)
		}
		return nil, fmt.Errorf("diagnostics: %w", err)
	}
	lines := newLineIndex(markup)

	diags := make([]errors.Diagnostic, 0, len(wire))
	for _, w := range wire {
		d := errors.Diagnostic{
			Severity: w.Severity,
			Message:  w.Message,
			Hints:    w.Hints,
			Span:     lines.span(w.Span, file),
		}
		if d.Severity == "" {
			d.Severity = "error"
		}
		for _, tp := range w.Trace {
			d.Trace = append(d.Trace, errors.TracePoint{
				Message: tp.Message,
				Span:    lines.span(tp.Span, file),
			})
		}
		diags = append(diags, d)
	}
	return diags, nil
}

// lineIndex maps byte offsets to line and column.
type lineIndex struct {
	src    []byte
	starts []int
}

func newLineIndex(src []byte) *lineIndex {
	starts := []int{0}
	for i, c := range src {
		if c == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &lineIndex{src: src, starts: starts}
}

// span converts a wire span. Offsets outside the markup keep their byte
// range but get no line and column.
func (l *lineIndex) span(w *engine.WireSpan, file string) *errors.Span {
	if w == nil {
		return nil
	}
	s := &errors.Span{File: file, Start: w.Start, End: w.End}
	if w.Start < 0 || w.End < w.Start || w.Start > len(l.src) {
		return s
	}
	s.Line, s.Column = l.position(w.Start)
	return s
}

// position returns the 1-based line and the 1-based column in characters.
func (l *lineIndex) position(offset int) (line, col int) {
	lo, hi := 0, len(l.starts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if l.starts[mid] <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1, utf8.RuneCount(l.src[l.starts[lo]:offset]) + 1
}
