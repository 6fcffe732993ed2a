// Package typstbridge compiles typst markup and structured input data into
// PDF, SVG or PNG with a precompiled engine binary.
//
// No engine toolchain is needed at runtime. The bridge picks the binary for
// the running platform from a manifest, verifies its checksum, loads it once
// per process and calls it through a small C-compatible contract.
//
// # Architecture Overview
//
//	typstbridge/         Compile, Compiler, Request, lazy initialization
//	├── platform/        Platform keys, binary manifest, checksums, cache
//	├── engine/          Exactly-once loader, shared-library and WASM backends
//	├── bridge/          Argument encoding, status mapping, diagnostics, faults
//	├── resource/        Font bundle index
//	├── value/           Input data model and codecs
//	├── config/          Configuration file and environment
//	├── errors/          Structured error types
//	└── cmd/typstc/      Command line front end
//
// # Quick Start
//
//	art, err := typstbridge.Compile(ctx,
//	    []byte("Hello, {{name}}!"),
//	    map[string]any{"name": "World"},
//	    typstbridge.FormatPDF,
//	    typstbridge.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	os.WriteFile("hello.pdf", art.Data, 0o644)
//
// The package-level Compile uses a compiler configured from the
// environment. Create one explicitly to control paths and policies:
//
//	c := typstbridge.New(typstbridge.Config{
//	    Manifest: "/opt/typst-bridge/manifest.yaml",
//	    CacheDir: "/var/cache/typst-bridge",
//	    FontRoot: "/opt/typst-bridge/fonts",
//	})
//
// # Errors
//
// Every error is an *errors.Error. Check the kind with errors.IsKind:
//
//	if errors.IsKind(err, errors.KindCompileFailed) {
//	    for _, d := range err.(*errors.Error).Diagnostics {
//	        fmt.Println(d.Span, d.Message)
//	    }
//	}
//
// Resolution, load and font failures are kept and returned by every compile
// until Reinit. A native fault invalidates the engine handle under the
// default fault policy; Reinit loads it again.
//
// # Thread Safety
//
// Compiler is safe for concurrent use. Requests are immutable once built.
// Engines that do not advertise reentrancy are called one at a time.
package typstbridge
