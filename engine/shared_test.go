//go:build freebsd || linux

package engine

import (
	"os"
	"testing"

	"github.com/wippyai/typst-bridge/errors"
)

// systemLibrary returns a shared library that exists on the host but has
// none of the engine entry points.
func systemLibrary(t *testing.T) string {
	t.Helper()
	for _, p := range []string{
		"/lib/x86_64-linux-gnu/libc.so.6",
		"/lib/aarch64-linux-gnu/libc.so.6",
		"/usr/lib/x86_64-linux-gnu/libc.so.6",
		"/usr/lib/aarch64-linux-gnu/libc.so.6",
		"/lib64/libc.so.6",
		"/usr/lib64/libc.so.6",
		"/usr/lib/libc.so.6",
		"/lib/libc.so.7",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	t.Skip("no system libc found")
	return ""
}

func TestOpenShared_SymbolMismatchClosesLibrary(t *testing.T) {
	path := systemLibrary(t)

	var closed []uintptr
	orig := closeLibrary
	closeLibrary = func(lib uintptr) error {
		closed = append(closed, lib)
		return orig(lib)
	}
	t.Cleanup(func() { closeLibrary = orig })

	_, err := openShared(path)
	if !errors.IsKind(err, errors.KindSymbolMismatch) {
		t.Fatalf("err = %v, want symbol_mismatch", err)
	}
	if len(closed) != 1 || closed[0] == 0 {
		t.Errorf("library closed %d times, want once", len(closed))
	}
}
