//go:build windows

package engine

import (
	"fmt"
	"path/filepath"
	"syscall"
)

func dlopen(path string) (uintptr, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	lib, err := syscall.LoadLibrary(path)
	if err != nil {
		return 0, err
	}
	return uintptr(lib), nil
}

func dlsym(lib uintptr, name string) (uintptr, error) {
	sym, err := syscall.GetProcAddress(syscall.Handle(lib), name)
	if err != nil {
		return 0, err
	}
	if sym == 0 {
		return 0, fmt.Errorf("symbol %q not found in DLL", name)
	}
	return sym, nil
}

func dlclose(lib uintptr) error {
	return syscall.FreeLibrary(syscall.Handle(lib))
}
