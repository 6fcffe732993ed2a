package typstbridge

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/typst-bridge/bridge"
	"github.com/wippyai/typst-bridge/engine"
	"github.com/wippyai/typst-bridge/errors"
	"github.com/wippyai/typst-bridge/internal/enginetest"
	"github.com/wippyai/typst-bridge/platform"
	"github.com/wippyai/typst-bridge/value"
)

var testPlatform = platform.Key{OS: "linux", Arch: "amd64", Libc: platform.LibcGNU, ABI: engine.ABIVersion}

var engineBytes = []byte("\x7fELF fake engine binary")

// writeBundle writes a manifest for testPlatform. sum overrides the
// checksum when non-empty.
func writeBundle(t *testing.T, sum string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "libtypst_bridge.so"), engineBytes, 0o755); err != nil {
		t.Fatal(err)
	}
	if sum == "" {
		sum = platform.Compute(platform.AlgoBLAKE3, engineBytes).String()
	}
	manifest := fmt.Sprintf(`abi: %d
binaries:
  - os: linux
    arch: amd64
    libc: gnu
    file: libtypst_bridge.so
    checksum: %q
`, engine.ABIVersion, sum)
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newCompiler(t *testing.T, fake *enginetest.Engine, mutate func(*Config)) *Compiler {
	t.Helper()
	cfg := Config{
		Manifest: writeBundle(t, ""),
		CacheDir: t.TempDir(),
		Platform: testPlatform,
		Loader:   engine.NewLoader(engine.LoaderOptions{Open: fake.Opener()}),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestCompile_HelloWorld(t *testing.T) {
	fake := enginetest.New(enginetest.Config{})
	c := newCompiler(t, fake, nil)

	art, err := c.Compile(context.Background(),
		[]byte("Hello, {{name}}!"),
		map[string]any{"name": "World"},
		FormatPDF, Options{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if art.Format != FormatPDF {
		t.Errorf("format = %s", art.Format)
	}
	if !bytes.HasPrefix(art.Data, []byte("%PDF-")) || !bytes.HasSuffix(bytes.TrimRight(art.Data, "\r\n"), []byte("%%EOF")) {
		t.Errorf("not a PDF: %q", art.Data)
	}
	if !bytes.Contains(art.Data, []byte("Hello, World!")) {
		t.Error("binding not substituted")
	}
}

func TestCompile_MissingBinding(t *testing.T) {
	c := newCompiler(t, enginetest.New(enginetest.Config{}), nil)

	_, err := c.Compile(context.Background(),
		[]byte("Hello, {{name}}!"),
		map[string]any{"other": "x"},
		FormatPDF, Options{})
	if !errors.IsKind(err, errors.KindCompileFailed) {
		t.Fatalf("err = %v, want compile_failed", err)
	}
	e := err.(*errors.Error)
	if len(e.Diagnostics) == 0 || e.Diagnostics[0].Span == nil {
		t.Fatalf("diagnostics = %+v", e.Diagnostics)
	}
	d := e.Diagnostics[0]
	if d.Span.Start != 7 || d.Span.End != 15 || d.Span.Line != 1 || d.Span.Column != 8 {
		t.Errorf("span = %+v", d.Span)
	}
	if d.Span.File != "main.typ" {
		t.Errorf("file = %q", d.Span.File)
	}
}

func TestCompile_UnsupportedFormat(t *testing.T) {
	fake := enginetest.New(enginetest.Config{})
	c := newCompiler(t, fake, nil)

	_, err := c.Compile(context.Background(), []byte("x"), nil, Format("docx"), Options{})
	if !errors.IsKind(err, errors.KindUnsupportedFormat) {
		t.Fatalf("err = %v, want unsupported_format", err)
	}
	if fake.Calls() != 0 || fake.Opens() != 0 {
		t.Errorf("calls = %d, opens = %d; nothing native should run", fake.Calls(), fake.Opens())
	}
}

func TestCompile_Deterministic(t *testing.T) {
	c := newCompiler(t, enginetest.New(enginetest.Config{}), nil)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	input := value.MapOf(
		value.Entry{Key: "title", Value: value.String("Report")},
		value.Entry{Key: "n", Value: value.Int(3)},
	)

	for _, f := range Formats {
		t.Run(string(f), func(t *testing.T) {
			opts := Options{Timestamp: &ts}
			a, err := c.Compile(context.Background(), []byte("{{title}} #{{n}}"), input, f, opts)
			if err != nil {
				t.Fatal(err)
			}
			b, err := c.Compile(context.Background(), []byte("{{title}} #{{n}}"), input, f, opts)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(a.Data, b.Data) {
				t.Error("identical requests produced different output")
			}
		})
	}
}

func TestCompile_WellFormed(t *testing.T) {
	c := newCompiler(t, enginetest.New(enginetest.Config{}), nil)
	markup := []byte("Dear <{{who}}> & co" + enginetest.PageBreak + "page two")
	input := map[string]any{"who": "Ada"}

	t.Run("png", func(t *testing.T) {
		art, err := c.Compile(context.Background(), markup, input, FormatPNG, Options{PPI: 72})
		if err != nil {
			t.Fatal(err)
		}
		img, err := png.Decode(bytes.NewReader(art.Data))
		if err != nil {
			t.Fatalf("png decode: %v", err)
		}
		if img.Bounds().Dx() == 0 {
			t.Error("empty image")
		}
	})

	t.Run("svg", func(t *testing.T) {
		art, err := c.Compile(context.Background(), markup, input, FormatSVG, Options{Page: 1})
		if err != nil {
			t.Fatal(err)
		}
		dec := xml.NewDecoder(bytes.NewReader(art.Data))
		for {
			_, err := dec.Token()
			if err != nil {
				if err != io.EOF {
					t.Fatalf("svg is not well-formed XML: %v", err)
				}
				break
			}
		}
		if !bytes.Contains(art.Data, []byte("page two")) {
			t.Error("page selection ignored")
		}
	})

	t.Run("page out of range", func(t *testing.T) {
		_, err := c.Compile(context.Background(), markup, input, FormatSVG, Options{Page: 5})
		if !errors.IsKind(err, errors.KindInvalidInput) {
			t.Fatalf("err = %v, want invalid_input", err)
		}
	})
}

func TestCompile_Parallel(t *testing.T) {
	fake := enginetest.New(enginetest.Config{})
	c := newCompiler(t, fake, nil)

	const n = 100
	var wg sync.WaitGroup
	errs := make([]error, n)
	outs := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			art, err := c.Compile(context.Background(), []byte("doc {{i}}"),
				map[string]any{"i": i}, FormatSVG, Options{})
			if err != nil {
				errs[i] = err
				return
			}
			outs[i] = art.Data
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("compile %d: %v", i, errs[i])
		}
		if !bytes.Contains(outs[i], []byte(fmt.Sprintf("doc %d<", i))) {
			t.Errorf("compile %d got someone else's output: %s", i, outs[i])
		}
	}
	if fake.Opens() != 1 {
		t.Errorf("engine opened %d times", fake.Opens())
	}
}

func TestCompile_EmptyMarkupForwarded(t *testing.T) {
	fake := enginetest.New(enginetest.Config{})
	c := newCompiler(t, fake, nil)

	art, err := c.Compile(context.Background(), nil, nil, FormatPDF, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if fake.Calls() != 1 || !bytes.HasPrefix(art.Data, []byte("%PDF-")) {
		t.Errorf("calls = %d", fake.Calls())
	}
}

func TestCompile_InvalidInputRejectedEarly(t *testing.T) {
	fake := enginetest.New(enginetest.Config{})
	c := newCompiler(t, fake, nil)

	cyclic := value.NewMap()
	cyclic.Set("self", value.Object(cyclic))

	tests := []struct {
		name  string
		input any
		opts  Options
	}{
		{"not a map", []any{1, 2}, Options{}},
		{"map contains itself", cyclic, Options{}},
		{"value contains itself", value.Object(cyclic), Options{}},
		{"bad key", map[string]any{"": 1}, Options{}},
		{"negative ppi", nil, Options{PPI: -1}},
		{"negative timeout", nil, Options{Timeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compile(context.Background(), []byte("x"), tt.input, FormatPDF, tt.opts)
			if !errors.IsKind(err, errors.KindInvalidInput) {
				t.Fatalf("err = %v, want invalid_input", err)
			}
		})
	}
	if fake.Opens() != 0 {
		t.Error("validation failures must not initialize the engine")
	}
}

func TestCompile_ChecksumMismatchBeforeLoad(t *testing.T) {
	fake := enginetest.New(enginetest.Config{})
	c := newCompiler(t, fake, func(cfg *Config) {
		cfg.Manifest = writeBundle(t, platform.Compute(platform.AlgoBLAKE3, []byte("other")).String())
	})

	for i := 0; i < 2; i++ {
		_, err := c.Compile(context.Background(), []byte("x"), nil, FormatPDF, Options{})
		if !errors.IsKind(err, errors.KindChecksumMismatch) {
			t.Fatalf("attempt %d: err = %v, want checksum_mismatch", i, err)
		}
	}
	if fake.Opens() != 0 {
		t.Error("corrupted binary must never be loaded")
	}
}

func TestCompile_UnsupportedPlatform(t *testing.T) {
	c := newCompiler(t, enginetest.New(enginetest.Config{}), func(cfg *Config) {
		cfg.Platform = platform.Key{OS: "plan9", Arch: "386", Libc: platform.LibcNone, ABI: engine.ABIVersion}
	})
	_, err := c.Compile(context.Background(), []byte("x"), nil, FormatPDF, Options{})
	if !errors.IsKind(err, errors.KindUnsupportedPlatform) {
		t.Fatalf("err = %v, want unsupported_platform", err)
	}
}

func TestCompile_NoManifest(t *testing.T) {
	c := newCompiler(t, enginetest.New(enginetest.Config{}), func(cfg *Config) {
		cfg.Manifest = ""
	})
	_, err := c.Compile(context.Background(), []byte("x"), nil, FormatPDF, Options{})
	if !errors.IsKind(err, errors.KindNotInitialized) {
		t.Fatalf("err = %v, want not_initialized", err)
	}
}

func TestCompile_FaultThenReinit(t *testing.T) {
	fake := enginetest.New(enginetest.Config{})
	c := newCompiler(t, fake, nil)
	ctx := context.Background()

	if _, err := c.Compile(ctx, []byte("ok"), nil, FormatPDF, Options{}); err != nil {
		t.Fatal(err)
	}
	_, err := c.Compile(ctx, []byte(enginetest.FaultMarker), nil, FormatPDF, Options{})
	if !errors.IsKind(err, errors.KindNativeFault) {
		t.Fatalf("err = %v, want native_fault", err)
	}
	if _, err := c.Compile(ctx, []byte("ok"), nil, FormatPDF, Options{}); !errors.IsKind(err, errors.KindNativeFault) {
		t.Fatalf("after fault: err = %v, want native_fault", err)
	}

	if err := c.Reinit(ctx); err != nil {
		t.Fatalf("Reinit: %v", err)
	}
	if fake.Opens() != 2 {
		t.Errorf("opens = %d, want a second load", fake.Opens())
	}
	if _, err := c.Compile(ctx, []byte("ok"), nil, FormatPDF, Options{}); err != nil {
		t.Errorf("after Reinit: %v", err)
	}
}

func TestCompile_IsolatedFaultKeepsHandle(t *testing.T) {
	fake := enginetest.New(enginetest.Config{
		Capabilities: engine.CapReentrant | engine.CapIsolatedFaults | engine.CapPDF,
	})
	c := newCompiler(t, fake, func(cfg *Config) { cfg.FaultPolicy = bridge.FaultIsolate })
	ctx := context.Background()

	if _, err := c.Compile(ctx, []byte(enginetest.FaultMarker), nil, FormatPDF, Options{}); !errors.IsKind(err, errors.KindNativeFault) {
		t.Fatalf("err = %v, want native_fault", err)
	}
	if _, err := c.Compile(ctx, []byte("ok"), nil, FormatPDF, Options{}); err != nil {
		t.Errorf("isolated fault leaked into the next call: %v", err)
	}
}

func TestCompile_Timeout(t *testing.T) {
	fake := enginetest.New(enginetest.Config{Delay: 300 * time.Millisecond})
	c := newCompiler(t, fake, func(cfg *Config) { cfg.Timeout = 20 * time.Millisecond })
	ctx := context.Background()

	_, err := c.Compile(ctx, []byte(enginetest.SleepMarker), nil, FormatPDF, Options{})
	if !errors.IsKind(err, errors.KindTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if _, err := c.Compile(ctx, []byte("quick"), nil, FormatPDF, Options{Timeout: 5 * time.Second}); err != nil {
		t.Errorf("compile after timeout: %v", err)
	}
}

func TestCompile_FontsBundle(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "Inter-Bold.otf"), []byte("OTTO...."), 0o644); err != nil {
		t.Fatal(err)
	}
	c := newCompiler(t, enginetest.New(enginetest.Config{}), func(cfg *Config) {
		cfg.FontRoot = root
		cfg.RequiredFonts = []string{"Inter"}
	})
	fonts, err := c.Fonts()
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := fonts.Lookup("inter", "bold"); !ok || f.Family != "Inter" {
		t.Errorf("Lookup = %+v, %v", f, ok)
	}
	if _, err := c.Compile(context.Background(), []byte("x"), nil, FormatPDF, Options{}); err != nil {
		t.Fatal(err)
	}
}

func TestCompile_MissingRequiredFontCached(t *testing.T) {
	fake := enginetest.New(enginetest.Config{})
	root := t.TempDir()
	c := newCompiler(t, fake, func(cfg *Config) {
		cfg.FontRoot = root
		cfg.RequiredFonts = []string{"Inter"}
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Compile(ctx, []byte("x"), nil, FormatPDF, Options{})
		if !errors.IsKind(err, errors.KindResourceInitFailed) {
			t.Fatalf("attempt %d: err = %v, want resource_init_failed", i, err)
		}
	}

	if err := os.WriteFile(filepath.Join(root, "Inter-Regular.ttf"), []byte{0, 1, 0, 0}, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Reinit(ctx); err != nil {
		t.Fatalf("Reinit: %v", err)
	}
	if _, err := c.Compile(ctx, []byte("x"), nil, FormatPDF, Options{}); err != nil {
		t.Errorf("after Reinit: %v", err)
	}
	if fake.Opens() != 1 {
		t.Errorf("opens = %d; a healthy handle is reused", fake.Opens())
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		ok   bool
	}{
		{"pdf", FormatPDF, true},
		{"SVG", FormatSVG, true},
		{" png ", FormatPNG, true},
		{"docx", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
		if !tt.ok && !errors.IsKind(err, errors.KindUnsupportedFormat) {
			t.Errorf("ParseFormat(%q) error kind = %s", tt.in, errors.KindOf(err))
		}
	}
}

func TestNewRequest_Immutable(t *testing.T) {
	markup := []byte("Hi {{name}}")
	input := map[string]any{"name": "Ada"}
	req, err := NewRequest(markup, input, FormatPDF, Options{FontFiles: []string{"a.ttf"}})
	if err != nil {
		t.Fatal(err)
	}
	markup[0] = 'X'
	input["name"] = "Bob"

	if string(req.Markup()) != "Hi {{name}}" {
		t.Errorf("markup = %q", req.Markup())
	}
	if v, _ := req.Input().Get("name"); v.Text() != "Ada" {
		t.Errorf("input name = %q", v.Text())
	}
	if req.Options().PPI != DefaultPPI || req.Options().File != "main.typ" {
		t.Errorf("defaults not applied: %+v", req.Options())
	}
}
