package engine_test

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wippyai/typst-bridge/codec"
	"github.com/wippyai/typst-bridge/engine"
	"github.com/wippyai/typst-bridge/internal/enginetest"
)

// loadEcho loads the echo module with a single pooled instance, so a leaked
// pool slot blocks the next call.
func loadEcho(t *testing.T) *engine.Handle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.wasm")
	if err := os.WriteFile(path, enginetest.EchoWASM, 0o644); err != nil {
		t.Fatal(err)
	}
	l := engine.NewLoader(engine.LoaderOptions{})
	target := engine.TargetFor(path)
	target.WASM = engine.WASMConfig{MaxInstances: 1}

	h, err := l.Load(context.Background(), target)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() {
		h.Invalidate(stderrors.New("test done"))
		_ = l.Reset(context.Background(), h)
	})
	return h
}

func compile(t *testing.T, h *engine.Handle, markup string) (engine.Status, []byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Compile(ctx, &engine.Call{Markup: []byte(markup), Format: engine.FormatPDF})
	if err != nil {
		return 0, nil, err
	}
	defer res.Release()
	return res.Status, append([]byte(nil), res.Data...), nil
}

func TestWASM_Capabilities(t *testing.T) {
	h := loadEcho(t)
	caps := h.Capabilities()
	for _, want := range []engine.Capabilities{engine.CapPDF, engine.CapSVG, engine.CapReentrant, engine.CapIsolatedFaults} {
		if !caps.Has(want) {
			t.Errorf("capabilities %v missing %v", caps, want)
		}
	}
	if caps.Has(engine.CapPNG) {
		t.Error("png is not advertised by the module")
	}
}

func TestWASM_Echo(t *testing.T) {
	h := loadEcho(t)
	for _, markup := range []string{"hello", "= Title", "hello again"} {
		status, data, err := compile(t, h, markup)
		if err != nil {
			t.Fatalf("%q: %v", markup, err)
		}
		if status != engine.StatusOK || string(data) != markup {
			t.Errorf("%q: status %d, data %q", markup, status, data)
		}
	}
}

func TestWASM_CompileErrorPayload(t *testing.T) {
	h := loadEcho(t)
	status, data, err := compile(t, h, "")
	if err != nil {
		t.Fatal(err)
	}
	if status != engine.StatusCompileError {
		t.Fatalf("status = %d, want %d", status, engine.StatusCompileError)
	}
	var diags []engine.WireDiagnostic
	if err := codec.Unmarshal(data, &diags); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if len(diags) != 1 || diags[0].Message != "empty document" || diags[0].Severity != "error" {
		t.Errorf("diagnostics = %+v", diags)
	}
}

func TestWASM_FailuresReleaseInstance(t *testing.T) {
	tests := []struct {
		name   string
		markup string
		status engine.Status
		fails  bool
	}{
		{name: "trap", markup: "!", fails: true},
		{name: "result out of bounds", markup: "?", fails: true},
		{name: "unknown status", markup: "#x", status: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := loadEcho(t)
			status, _, err := compile(t, h, tt.markup)
			if tt.fails {
				if err == nil {
					t.Fatal("expected an error")
				}
				if stderrors.Is(err, context.DeadlineExceeded) {
					t.Fatalf("err = %v, want an engine failure", err)
				}
			} else if err != nil || status != tt.status {
				t.Fatalf("status = %d, err = %v", status, err)
			}

			// The only pool slot must be free again.
			status, data, err := compile(t, h, "next")
			if err != nil || status != engine.StatusOK || string(data) != "next" {
				t.Errorf("call after %s: status %d, data %q, err %v", tt.name, status, data, err)
			}
		})
	}
}

func TestWASM_CancelInterruptsCall(t *testing.T) {
	h := loadEcho(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := h.Compile(ctx, &engine.Call{Markup: []byte("~"), Format: engine.FormatPDF})
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("interrupt took %v", elapsed)
	}

	status, data, err := compile(t, h, "after")
	if err != nil || status != engine.StatusOK || string(data) != "after" {
		t.Errorf("call after interrupt: status %d, data %q, err %v", status, data, err)
	}
}
