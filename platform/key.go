package platform

import (
	"debug/elf"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/wippyai/typst-bridge/engine"
)

// Libc variants.
const (
	LibcGNU  = "gnu"
	LibcMusl = "musl"
	LibcNone = "none"
)

// WASM is the portable engine build, usable on any host.
var WASM = Key{OS: "wasip1", Arch: "wasm", Libc: LibcNone, ABI: engine.ABIVersion}

// Key identifies the engine binary for a platform.
type Key struct {
	OS   string
	Arch string
	Libc string
	ABI  uint32
}

// String renders the key as os-arch-libc-abiN.
func (k Key) String() string {
	return fmt.Sprintf("%s-%s-%s-abi%d", k.OS, k.Arch, k.libc(), k.ABI)
}

func (k Key) libc() string {
	if k.Libc == "" {
		return LibcNone
	}
	return k.Libc
}

// IsWASM reports whether the key selects the portable WASM build.
func (k Key) IsWASM() bool {
	return k.Arch == "wasm" || k.Arch == "wasm32"
}

// ParseKey parses the String form.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 || !strings.HasPrefix(parts[3], "abi") {
		return Key{}, fmt.Errorf("platform key %q: want os-arch-libc-abiN", s)
	}
	abi, err := strconv.ParseUint(strings.TrimPrefix(parts[3], "abi"), 10, 32)
	if err != nil {
		return Key{}, fmt.Errorf("platform key %q: %w", s, err)
	}
	return Key{OS: parts[0], Arch: parts[1], Libc: parts[2], ABI: uint32(abi)}, nil
}

var (
	detectOnce sync.Once
	detected   Key
)

// Detect returns the key for the running process. The result is computed
// once.
func Detect() Key {
	detectOnce.Do(func() {
		detected = Key{
			OS:   runtime.GOOS,
			Arch: runtime.GOARCH,
			Libc: detectLibc(runtime.GOOS),
			ABI:  engine.ABIVersion,
		}
	})
	return detected
}

func detectLibc(goos string) string {
	if goos != "linux" {
		return LibcNone
	}
	if interp := elfInterpreter("/bin/sh"); interp != "" {
		if strings.Contains(interp, "musl") {
			return LibcMusl
		}
		return LibcGNU
	}
	if matches, _ := filepath.Glob("/lib/ld-musl-*.so.1"); len(matches) > 0 {
		return LibcMusl
	}
	return LibcGNU
}

// elfInterpreter returns the PT_INTERP path of an ELF executable, or "".
func elfInterpreter(path string) string {
	f, err := elf.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	for _, p := range f.Progs {
		if p.Type != elf.PT_INTERP {
			continue
		}
		buf := make([]byte, p.Filesz)
		if _, err := p.ReadAt(buf, 0); err != nil {
			return ""
		}
		return strings.TrimRight(string(buf), "\x00")
	}
	return ""
}
