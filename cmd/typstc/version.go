package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/wippyai/typst-bridge/engine"
	"github.com/wippyai/typst-bridge/platform"
)

// version is set at link time with -ldflags "-X main.version=...".
var version = ""

func runVersion([]string) error {
	v := version
	if v == "" {
		v = "(devel)"
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
			v = info.Main.Version
		}
	}
	fmt.Printf("typstc %s\n", v)
	fmt.Printf("abi:      %d\n", engine.ABIVersion)
	fmt.Printf("platform: %s\n", platform.Detect())
	fmt.Printf("go:       %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return nil
}
