package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wippyai/typst-bridge/errors"
)

type stubEngine struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	closed   atomic.Bool
	abi      uint32
	caps     Capabilities
}

func (s *stubEngine) ABIVersion() uint32         { return s.abi }
func (s *stubEngine) Capabilities() Capabilities { return s.caps }
func (s *stubEngine) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

func (s *stubEngine) Compile(_ context.Context, call *Call) (*Result, error) {
	n := s.inFlight.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	out := append([]byte("out:"), call.Markup...)
	return NewResult(StatusOK, out, func() { s.inFlight.Add(-1) }), nil
}

type countingOpener struct {
	engine *stubEngine
	err    error
	delay  time.Duration
	opens  atomic.Int32
}

func (o *countingOpener) open(context.Context, Target) (Symbols, error) {
	o.opens.Add(1)
	time.Sleep(o.delay)
	if o.err != nil {
		return nil, o.err
	}
	return o.engine, nil
}

func newStub() *stubEngine {
	return &stubEngine{abi: ABIVersion, caps: CapPDF | CapSVG | CapPNG}
}

func TestTargetFor(t *testing.T) {
	tests := []struct {
		path string
		want Backend
	}{
		{"libtypst_bridge.so", BackendShared},
		{"libtypst_bridge.dylib", BackendShared},
		{"typst_bridge.dll", BackendShared},
		{"typst_bridge.wasm", BackendWASM},
		{"TYPST_BRIDGE.WASM", BackendWASM},
	}
	for _, tt := range tests {
		if got := TargetFor(tt.path).Backend; got != tt.want {
			t.Errorf("TargetFor(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestCapabilities(t *testing.T) {
	c := CapReentrant | CapPDF | CapPNG
	if !c.Has(CapPDF) || !c.Has(CapPDF|CapPNG) || c.Has(CapSVG) {
		t.Errorf("Has mismatch for %s", c)
	}
	if got := c.String(); got != "reentrant|pdf|png" {
		t.Errorf("String = %q", got)
	}
	if Capabilities(0).String() != "none" {
		t.Error("empty set should print none")
	}
	for _, f := range []FormatCode{FormatPDF, FormatSVG, FormatPNG} {
		if f.Capability() == 0 {
			t.Errorf("format %d has no capability bit", f)
		}
	}
	if FormatCode(7).Capability() != 0 {
		t.Error("unknown format should map to no capability")
	}
}

func TestStatusKnown(t *testing.T) {
	for s, want := range map[Status]bool{0: true, 1: true, 2: true, 3: false, -1: false} {
		if s.Known() != want {
			t.Errorf("Status(%d).Known() = %v", s, !want)
		}
	}
}

func TestResult_ReleaseOnce(t *testing.T) {
	var n int
	r := NewResult(StatusOK, []byte("x"), func() { n++ })
	r.Release()
	r.Release()
	if n != 1 {
		t.Errorf("release ran %d times", n)
	}
	if r.Data != nil {
		t.Error("data should be dropped on release")
	}
}

func TestLoader_ConcurrentLoadOpensOnce(t *testing.T) {
	opener := &countingOpener{engine: newStub(), delay: 20 * time.Millisecond}
	l := NewLoader(LoaderOptions{Open: opener.open})

	const n = 32
	handles := make([]*Handle, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = l.Load(context.Background(), TargetFor("engine.so"))
		}(i)
	}
	wg.Wait()

	if got := opener.opens.Load(); got != 1 {
		t.Fatalf("opened %d times, want 1", got)
	}
	for i := range handles {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if handles[i] != handles[0] {
			t.Fatalf("caller %d got a different handle", i)
		}
	}
	if l.Live() != handles[0] {
		t.Error("Live should return the loaded handle")
	}
}

func TestLoader_FailureIsRecorded(t *testing.T) {
	opener := &countingOpener{err: fmt.Errorf("no such file"), delay: 10 * time.Millisecond}
	l := NewLoader(LoaderOptions{Open: opener.open})

	const n = 16
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Load(context.Background(), TargetFor("engine.so"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.IsKind(err, errors.KindLoadFailed) {
			t.Fatalf("caller %d: err = %v, want load_failed", i, err)
		}
		if err != errs[0] {
			t.Fatalf("caller %d observed a different error", i)
		}
	}

	if _, err := l.Load(context.Background(), TargetFor("engine.so")); err != errs[0] {
		t.Errorf("repeat load should return the recorded error, got %v", err)
	}
	if got := opener.opens.Load(); got != 1 {
		t.Errorf("opened %d times, want 1", got)
	}

	l.ClearFailures()
	opener.err = nil
	opener.engine = newStub()
	if _, err := l.Load(context.Background(), TargetFor("engine.so")); err != nil {
		t.Fatalf("load after ClearFailures: %v", err)
	}
	if got := opener.opens.Load(); got != 2 {
		t.Errorf("opened %d times, want 2", got)
	}
}

func TestLoader_DifferentPathAfterFailure(t *testing.T) {
	good := newStub()
	l := NewLoader(LoaderOptions{Open: func(_ context.Context, tg Target) (Symbols, error) {
		if filepath.Base(tg.Path) == "broken.so" {
			return nil, fmt.Errorf("broken")
		}
		return good, nil
	}})

	if _, err := l.Load(context.Background(), TargetFor("broken.so")); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := l.Load(context.Background(), TargetFor("good.so")); err != nil {
		t.Fatalf("another path should be attempted: %v", err)
	}
	_, err := l.Load(context.Background(), TargetFor("other.so"))
	if !errors.IsKind(err, errors.KindLoadFailed) {
		t.Fatalf("loading a second path while live: err = %v", err)
	}
}

func TestLoader_ABIMismatch(t *testing.T) {
	stub := newStub()
	stub.abi = ABIVersion + 1
	l := NewLoader(LoaderOptions{Open: (&countingOpener{engine: stub}).open})

	_, err := l.Load(context.Background(), TargetFor("engine.so"))
	if !errors.IsKind(err, errors.KindSymbolMismatch) {
		t.Fatalf("err = %v, want symbol_mismatch", err)
	}
	if !stub.closed.Load() {
		t.Error("mismatched engine should be closed")
	}
}

func TestLoader_InvalidateAndReset(t *testing.T) {
	opener := &countingOpener{engine: newStub()}
	l := NewLoader(LoaderOptions{Open: opener.open})
	ctx := context.Background()

	h, err := l.Load(ctx, TargetFor("engine.so"))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Reset(ctx, h); err == nil {
		t.Fatal("resetting a valid handle should fail")
	}

	cause := fmt.Errorf("segfault")
	h.Invalidate(cause)
	h.Invalidate(fmt.Errorf("second cause is ignored"))
	if !errors.IsKind(h.Err(), errors.KindNativeFault) || !stderrors.Is(h.Err(), cause) {
		t.Fatalf("Err = %v", h.Err())
	}
	if _, err := h.Compile(ctx, &Call{}); !errors.IsKind(err, errors.KindNativeFault) {
		t.Fatalf("compile on invalid handle: %v", err)
	}

	// still the same invalid handle until reset
	again, err := l.Load(ctx, TargetFor("engine.so"))
	if err != nil || again != h {
		t.Fatalf("Load before reset = %p, %v", again, err)
	}

	opener.engine = newStub()
	if err := l.Reset(ctx, h); err != nil {
		t.Fatal(err)
	}
	fresh, err := l.Load(ctx, TargetFor("engine.so"))
	if err != nil {
		t.Fatal(err)
	}
	if fresh == h || fresh.Err() != nil {
		t.Error("reset should yield a new valid handle")
	}
	if got := opener.opens.Load(); got != 2 {
		t.Errorf("opened %d times, want 2", got)
	}
}

func TestLoader_WaiterContext(t *testing.T) {
	opener := &countingOpener{engine: newStub(), delay: 100 * time.Millisecond}
	l := NewLoader(LoaderOptions{Open: opener.open})

	go func() { _, _ = l.Load(context.Background(), TargetFor("engine.so")) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := l.Load(ctx, TargetFor("engine.so"))
	if !errors.IsKind(err, errors.KindTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}

	h, err := l.Load(context.Background(), TargetFor("engine.so"))
	if err != nil || h == nil {
		t.Fatalf("load after waiter timeout: %v", err)
	}
}

func TestHandle_SerializesNonReentrant(t *testing.T) {
	tests := []struct {
		name     string
		caps     Capabilities
		wantPeak int32
	}{
		{"non-reentrant", CapPDF, 1},
		{"reentrant", CapPDF | CapReentrant, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := newStub()
			stub.caps = tt.caps
			l := NewLoader(LoaderOptions{Open: (&countingOpener{engine: stub}).open})
			h, err := l.Load(context.Background(), TargetFor("engine.so"))
			if err != nil {
				t.Fatal(err)
			}

			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := h.Compile(context.Background(), &Call{Markup: []byte(fmt.Sprint(i))})
					if err != nil {
						t.Error(err)
						return
					}
					time.Sleep(time.Millisecond)
					res.Release()
				}(i)
			}
			wg.Wait()

			peak := stub.peak.Load()
			if tt.wantPeak == 1 && peak != 1 {
				t.Errorf("peak concurrency = %d, want 1", peak)
			}
			if stub.inFlight.Load() != 0 {
				t.Error("results not released")
			}
		})
	}
}
