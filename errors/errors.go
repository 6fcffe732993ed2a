package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseConfig    Phase = "config"    // configuration loading
	PhaseResolve   Phase = "resolve"   // binary resolution
	PhaseLoad      Phase = "load"      // native module loading
	PhaseResources Phase = "resources" // font bundle initialization
	PhaseValidate  Phase = "validate"  // request validation
	PhaseEncode    Phase = "encode"    // Go to native
	PhaseInvoke    Phase = "invoke"    // native call
	PhaseDecode    Phase = "decode"    // native to Go
)

// Kind categorizes the error
type Kind string

const (
	KindUnsupportedPlatform Kind = "unsupported_platform"
	KindBinaryNotFound      Kind = "binary_not_found"
	KindChecksumMismatch    Kind = "checksum_mismatch"
	KindInvalidManifest     Kind = "invalid_manifest"
	KindLoadFailed          Kind = "load_failed"
	KindSymbolMismatch      Kind = "symbol_mismatch"
	KindResourceInitFailed  Kind = "resource_init_failed"
	KindUnsupportedFormat   Kind = "unsupported_format"
	KindInvalidInput        Kind = "invalid_input"
	KindCompileFailed       Kind = "compile_failed"
	KindNativeFault         Kind = "native_fault"
	KindTimeout             Kind = "timeout"
	KindNotInitialized      Kind = "not_initialized"
)

// Span is a byte range in the markup, with the 1-based line and column of
// its start when the markup is known.
type Span struct {
	File   string
	Start  int
	End    int
	Line   int
	Column int
}

func (s Span) String() string {
	var b strings.Builder
	if s.File != "" {
		b.WriteString(s.File)
		b.WriteByte(':')
	}
	if s.Line > 0 {
		fmt.Fprintf(&b, "%d:%d", s.Line, s.Column)
	} else {
		fmt.Fprintf(&b, "%d..%d", s.Start, s.End)
	}
	return b.String()
}

// Diagnostic is one engine-reported problem.
type Diagnostic struct {
	Span     *Span
	Severity string
	Message  string
	Hints    []string
	Trace    []TracePoint
}

// TracePoint is one frame of a diagnostic's trace.
type TracePoint struct {
	Span    *Span
	Message string
}

// Error is the structured error type used throughout the bridge
type Error struct {
	Value       any
	Cause       error
	Phase       Phase
	Kind        Kind
	Detail      string
	Path        []string
	Diagnostics []Diagnostic
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	for i, d := range e.Diagnostics {
		if i == 0 {
			b.WriteString(":")
		} else {
			b.WriteString(";")
		}
		b.WriteByte(' ')
		if d.Span != nil {
			b.WriteString(d.Span.String())
			b.WriteByte(' ')
		}
		b.WriteString(d.Message)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Phase == "" {
			return e.Kind == t.Kind
		}
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Diagnostics attaches engine diagnostics
func (b *Builder) Diagnostics(d ...Diagnostic) *Builder {
	b.err.Diagnostics = append(b.err.Diagnostics, d...)
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Wrap wraps an existing error with phase and kind context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Cause:  cause,
		Detail: detail,
	}
}

// Convenience constructors for the bridge taxonomy

// UnsupportedPlatform creates an error for a platform key with no binary
func UnsupportedPlatform(key string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindUnsupportedPlatform,
		Detail: fmt.Sprintf("no precompiled engine for platform %s", key),
		Value:  key,
	}
}

// BinaryNotFound creates an error for a manifest entry whose file is missing
func BinaryNotFound(path string, cause error) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindBinaryNotFound,
		Detail: fmt.Sprintf("engine binary %s not available", path),
		Cause:  cause,
	}
}

// ChecksumMismatch creates an error for a binary that fails verification
func ChecksumMismatch(path, want, got string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindChecksumMismatch,
		Detail: fmt.Sprintf("%s: checksum %s, manifest expects %s", path, got, want),
	}
}

// InvalidManifest creates a manifest parse or consistency error
func InvalidManifest(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindInvalidManifest,
		Detail: detail,
		Cause:  cause,
	}
}

// LoadFailed creates an OS-level load failure
func LoadFailed(path string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindLoadFailed,
		Detail: fmt.Sprintf("load %s", path),
		Cause:  cause,
	}
}

// SymbolMismatch creates an error for missing or incompatible entry points
func SymbolMismatch(path, detail string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindSymbolMismatch,
		Detail: fmt.Sprintf("%s: %s", path, detail),
	}
}

// ResourceInitFailed creates a font bundle initialization error
func ResourceInitFailed(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseResources,
		Kind:   KindResourceInitFailed,
		Detail: detail,
		Cause:  cause,
	}
}

// UnsupportedFormat creates an error for an output format the bridge or
// engine cannot produce
func UnsupportedFormat(format string) *Error {
	return &Error{
		Phase:  PhaseValidate,
		Kind:   KindUnsupportedFormat,
		Detail: fmt.Sprintf("output format %q is not supported", format),
		Value:  format,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Path:   path,
		Detail: detail,
	}
}

// CompileFailed creates an engine-reported compile error
func CompileFailed(diags []Diagnostic) *Error {
	return &Error{
		Phase:       PhaseInvoke,
		Kind:        KindCompileFailed,
		Detail:      "compile error",
		Diagnostics: diags,
	}
}

// NativeFault creates an abnormal native termination error
func NativeFault(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseInvoke,
		Kind:   KindNativeFault,
		Detail: detail,
		Cause:  cause,
	}
}

// Timeout creates an advisory timeout error
func Timeout(cause error) *Error {
	return &Error{
		Phase:  PhaseInvoke,
		Kind:   KindTimeout,
		Detail: "compile did not finish before the context ended",
		Cause:  cause,
	}
}

// NotInitialized creates a not-initialized error for missing components
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}
