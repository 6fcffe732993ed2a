//go:build !(darwin || freebsd || linux || netbsd || windows)

package engine

import (
	"fmt"
	"runtime"

	"github.com/wippyai/typst-bridge/errors"
)

func openShared(path string) (Symbols, error) {
	return nil, errors.LoadFailed(path,
		fmt.Errorf("shared engine libraries are not supported on %s; use the WASM build", runtime.GOOS))
}
