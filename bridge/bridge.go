package bridge

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/typst-bridge/codec"
	"github.com/wippyai/typst-bridge/engine"
	"github.com/wippyai/typst-bridge/errors"
	"github.com/wippyai/typst-bridge/resource"
)

// DefaultMaxOutputBytes bounds an artifact unless Options says otherwise.
const DefaultMaxOutputBytes = 256 << 20

// FaultPolicy decides what a native fault does to the shared handle.
type FaultPolicy int

const (
	// FaultInvalidate marks the handle unusable until an explicit re-init.
	FaultInvalidate FaultPolicy = iota
	// FaultIsolate fails only the faulting call. Honoured only for engines
	// that advertise engine.CapIsolatedFaults.
	FaultIsolate
)

func (p FaultPolicy) String() string {
	if p == FaultIsolate {
		return "isolate"
	}
	return "invalidate"
}

// ParseFaultPolicy accepts "invalidate" (or "") and "isolate".
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "invalidate":
		return FaultInvalidate, nil
	case "isolate":
		return FaultIsolate, nil
	}
	return FaultInvalidate, fmt.Errorf("unknown fault policy %q", s)
}

// Options configures a Bridge.
type Options struct {
	Logger         *zap.Logger
	MaxOutputBytes int64
	FaultPolicy    FaultPolicy
}

// Call is one compile request in wire form.
type Call struct {
	// Fonts are appended to Options.FontFiles.
	Fonts *resource.Bundle

	// Markup is passed as pointer and length, never NUL-terminated.
	Markup []byte

	// Input is the CBOR encoded input data map.
	Input []byte

	// File names the markup in diagnostic spans.
	File string

	Options engine.WireOptions
	Format  engine.FormatCode

	// Timeout is advisory; zero means none.
	Timeout time.Duration
}

// Output is a successful compile. Data is owned by the caller.
type Output struct {
	CallID  string
	Data    []byte
	Elapsed time.Duration
	Format  engine.FormatCode
}

// Bridge moves calls across the native boundary and turns the engine's
// status codes into values and errors.
type Bridge struct {
	log  *zap.Logger
	opts Options
}

// New creates a bridge.
func New(opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Bridge{log: opts.Logger, opts: opts}
}

type outcome struct {
	out *Output
	err error
}

// Invoke runs one compile on h. The native call is never abandoned midway:
// if ctx ends first Invoke returns a timeout error while the call finishes
// in the background and its buffer is released there.
func (b *Bridge) Invoke(ctx context.Context, h *engine.Handle, call *Call) (*Output, error) {
	if h == nil {
		return nil, errors.NotInitialized(errors.PhaseInvoke, "engine handle")
	}
	if err := h.Err(); err != nil {
		return nil, err
	}
	capBit := call.Format.Capability()
	if capBit == 0 || !h.Capabilities().Has(capBit) {
		return nil, errors.UnsupportedFormat(call.Format.String())
	}

	opts := call.Options
	if files := call.Fonts.Files(); len(files) > 0 {
		opts.FontFiles = append(append([]string(nil), opts.FontFiles...), files...)
	}
	encoded, err := codec.Marshal(opts)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEncode, errors.KindInvalidInput, err, "encode options")
	}
	native := &engine.Call{
		Markup:  call.Markup,
		Input:   call.Input,
		Options: encoded,
		Format:  call.Format,
	}

	id := uuid.NewString()
	log := b.log.With(zap.String("call_id", id), zap.Stringer("format", call.Format))
	log.Debug("compile start", zap.Int("markup_bytes", len(call.Markup)), zap.Int("input_bytes", len(call.Input)))

	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		out, err := b.call(ctx, log, h, native, call)
		if out != nil {
			out.CallID = id
			out.Elapsed = time.Since(start)
		}
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			log.Debug("compile failed", zap.Error(o.err), zap.Duration("elapsed", time.Since(start)))
			return nil, o.err
		}
		log.Debug("compile done", zap.Int("bytes", len(o.out.Data)), zap.Duration("elapsed", o.out.Elapsed))
		return o.out, nil
	case <-ctx.Done():
		log.Warn("compile timed out, native call left running", zap.Duration("elapsed", time.Since(start)))
		return nil, errors.Timeout(ctx.Err())
	}
}

// call crosses the boundary. The engine buffer is copied into Go memory and
// released before call returns.
func (b *Bridge) call(ctx context.Context, log *zap.Logger, h *engine.Handle, native *engine.Call, call *Call) (out *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, b.fault(log, h, "panic in native call", fmt.Errorf("%v", r))
		}
	}()

	res, err := h.Compile(ctx, native)
	if err != nil {
		if errors.KindOf(err) != "" {
			return nil, err
		}
		if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
			return nil, errors.Timeout(err)
		}
		return nil, b.fault(log, h, "native call failed", err)
	}
	defer res.Release()

	if !res.Status.Known() {
		return nil, b.fault(log, h, fmt.Sprintf("engine returned unknown status %d", res.Status), nil)
	}
	if int64(len(res.Data)) > b.opts.MaxOutputBytes {
		return nil, b.fault(log, h,
			fmt.Sprintf("engine returned %d bytes, limit is %d", len(res.Data), b.opts.MaxOutputBytes), nil)
	}
	data := bytes.Clone(res.Data)

	switch res.Status {
	case engine.StatusOK:
		if len(data) == 0 {
			return nil, b.fault(log, h, "engine returned an empty artifact", nil)
		}
		return &Output{Data: data, Format: call.Format}, nil

	case engine.StatusCompileError:
		diags, err := DecodeDiagnostics(data, call.Markup, call.File)
		if err != nil {
			return nil, b.fault(log, h, "undecodable diagnostics", err)
		}
		return nil, errors.CompileFailed(diags)

	default:
		diags, err := DecodeDiagnostics(data, call.Markup, call.File)
		if err != nil {
			return nil, b.fault(log, h, "undecodable diagnostics", err)
		}
		detail := "engine rejected the input"
		if len(diags) > 0 {
			detail = diags[0].Message
		}
		return nil, errors.New(errors.PhaseInvoke, errors.KindInvalidInput).
			Detail("%s", detail).
			Diagnostics(diags...).
			Build()
	}
}

// fault builds a native fault and applies the fault policy to h.
func (b *Bridge) fault(log *zap.Logger, h *engine.Handle, detail string, cause error) error {
	err := errors.NativeFault(detail, cause)
	if b.opts.FaultPolicy == FaultIsolate && h.Capabilities().Has(engine.CapIsolatedFaults) {
		log.Warn("native fault isolated", zap.Error(err))
		return err
	}
	h.Invalidate(err)
	return err
}
