// Package errors provides structured error types for the typst bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries a field path for input data problems, the cause chain,
// and engine diagnostics with source spans for compile errors.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseValidate, errors.KindInvalidInput).
//		Path("invoice", "total").
//		Detail("number is not finite").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.UnsupportedPlatform(key.String())
//	err := errors.ChecksumMismatch(path, want, got)
//
// Match on kind regardless of phase with IsKind:
//
//	if errors.IsKind(err, errors.KindCompileFailed) { ... }
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
