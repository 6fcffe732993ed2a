//go:build darwin || freebsd || linux || netbsd

package engine

import (
	"path/filepath"

	"github.com/ebitengine/purego"
)

func dlopen(path string) (uintptr, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
}

func dlsym(lib uintptr, name string) (uintptr, error) {
	return purego.Dlsym(lib, name)
}

func dlclose(lib uintptr) error {
	return purego.Dlclose(lib)
}
