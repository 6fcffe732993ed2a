package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/typst-bridge/errors"
)

var (
	errorLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	warnLabel  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFD166"))
	spanStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB"))
	caretStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#98FB98"))
	gutter     = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

// colorEnabled reports whether f is a terminal and NO_COLOR is unset.
func colorEnabled(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

type painter struct{ color bool }

func (p painter) paint(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

// renderError prints err. Engine diagnostics are printed with the offending
// source line and a caret under the span.
func renderError(w io.Writer, err error, markup []byte, color bool) {
	p := painter{color: color}
	e, ok := err.(*errors.Error)
	if !ok || len(e.Diagnostics) == 0 {
		fmt.Fprintf(w, "%s %v\n", p.paint(errorLabel, "error:"), err)
		return
	}
	for _, d := range e.Diagnostics {
		renderDiagnostic(w, p, d, markup)
	}
}

func renderDiagnostic(w io.Writer, p painter, d errors.Diagnostic, markup []byte) {
	label := p.paint(errorLabel, d.Severity+":")
	if d.Severity == "warning" {
		label = p.paint(warnLabel, d.Severity+":")
	}
	fmt.Fprintf(w, "%s %s\n", label, d.Message)

	if d.Span != nil {
		fmt.Fprintf(w, "  %s %s\n", p.paint(gutter, "┌─"), p.paint(spanStyle, d.Span.String()))
		if d.Span.Line > 0 {
			renderSource(w, p, d.Span, markup)
		}
	}
	for _, tp := range d.Trace {
		where := ""
		if tp.Span != nil {
			where = " at " + p.paint(spanStyle, tp.Span.String())
		}
		fmt.Fprintf(w, "  %s %s%s\n", p.paint(gutter, "│"), tp.Message, where)
	}
	for _, h := range d.Hints {
		fmt.Fprintf(w, "  %s %s\n", p.paint(hintStyle, "hint:"), h)
	}
	fmt.Fprintln(w)
}

// renderSource prints the line holding the span start with a caret run
// under the span.
func renderSource(w io.Writer, p painter, span *errors.Span, markup []byte) {
	lines := bytes.Split(markup, []byte("\n"))
	if span.Line > len(lines) {
		return
	}
	line := strings.TrimRight(string(lines[span.Line-1]), "\r")
	num := fmt.Sprintf("%d", span.Line)
	pad := strings.Repeat(" ", len(num))

	fmt.Fprintf(w, "%s %s\n", pad, p.paint(gutter, "│"))
	fmt.Fprintf(w, "%s %s %s\n", p.paint(gutter, num), p.paint(gutter, "│"), highlight(line, p.color))

	width := max(span.End-span.Start, 1)
	rest := len(line) - byteColumn(line, span.Column)
	width = min(width, max(rest, 1))
	caret := strings.Repeat(" ", span.Column-1) + strings.Repeat("^", width)
	fmt.Fprintf(w, "%s %s %s\n", pad, p.paint(gutter, "│"), p.paint(caretStyle, caret))
}

// byteColumn converts a 1-based rune column to a byte offset in line.
func byteColumn(line string, col int) int {
	n := 0
	for i := range line {
		if n == col-1 {
			return i
		}
		n++
	}
	return len(line)
}

func highlight(line string, color bool) string {
	if !color {
		return line
	}
	var b strings.Builder
	if err := quick.Highlight(&b, line, "typst", "terminal256", "monokai"); err != nil {
		return line
	}
	return strings.TrimRight(b.String(), "\n")
}
