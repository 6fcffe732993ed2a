package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	typstbridge "github.com/wippyai/typst-bridge"
	"github.com/wippyai/typst-bridge/value"
)

type compileFlags struct {
	globalFlags
	data        string
	format      string
	output      string
	root        string
	timestamp   string
	fontPaths   []string
	fontFiles   []string
	ppi         float64
	timeout     time.Duration
	page        uint32
	jobs        int
	systemFonts bool
}

func runCompile(args []string) error {
	var f compileFlags
	fs := newFlagSet("compile")
	fs.StringVarP(&f.data, "data", "d", "", "input data file, JSON (comments allowed) or YAML; - for stdin")
	fs.StringVarP(&f.format, "format", "f", "pdf", "output format: pdf, svg or png")
	fs.StringVarP(&f.output, "output", "o", "", "output file, or directory when compiling several files")
	fs.StringVar(&f.root, "root", "", "root for relative includes (default: the input's directory)")
	fs.StringSliceVar(&f.fontPaths, "font-path", nil, "extra font directory (repeatable)")
	fs.StringSliceVar(&f.fontFiles, "font-file", nil, "extra font file (repeatable)")
	fs.Float64Var(&f.ppi, "ppi", typstbridge.DefaultPPI, "PNG resolution")
	fs.Uint32Var(&f.page, "page", 0, "page rendered to SVG or PNG, from 0")
	fs.BoolVar(&f.systemFonts, "system-fonts", false, "let the engine search OS font directories")
	fs.StringVar(&f.timestamp, "timestamp", "", "document date, RFC 3339 or unix seconds (default $SOURCE_DATE_EPOCH)")
	fs.DurationVar(&f.timeout, "timeout", 0, "per-document timeout (0 uses the configured default)")
	fs.IntVarP(&f.jobs, "jobs", "j", runtime.GOMAXPROCS(0), "documents compiled concurrently")
	f.register(fs)
	if err := parse(fs, args); err != nil {
		return err
	}

	files := fs.Args()
	if len(files) == 0 {
		return &exitError{err: fmt.Errorf("compile: no input files"), code: 2}
	}
	format, err := typstbridge.ParseFormat(f.format)
	if err != nil {
		return &exitError{err: err, code: 2}
	}
	outputs, err := outputPaths(files, f.output, format)
	if err != nil {
		return &exitError{err: err, code: 2}
	}
	ts, err := parseTimestamp(f.timestamp)
	if err != nil {
		return &exitError{err: err, code: 2}
	}
	input, err := loadData(f.data, os.Stdin)
	if err != nil {
		return err
	}

	log, err := f.logger()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	c, _, err := f.compiler(log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	color := colorEnabled(os.Stderr)
	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(f.jobs, 1))
	for i, file := range files {
		g.Go(func() error {
			markup, err := readInput(file)
			if err != nil {
				return err
			}
			root := f.root
			if root == "" && file != "-" {
				root = filepath.Dir(file)
			}
			opts := typstbridge.Options{
				Root:        root,
				FontPaths:   f.fontPaths,
				FontFiles:   f.fontFiles,
				PPI:         f.ppi,
				Page:        f.page,
				SystemFonts: f.systemFonts,
				Timestamp:   ts,
				Timeout:     f.timeout,
				File:        displayName(file),
			}

			start := time.Now()
			art, err := c.Compile(gctx, markup, input, format, opts)
			if err != nil {
				mu.Lock()
				failed++
				renderError(os.Stderr, err, markup, color)
				mu.Unlock()
				return nil
			}
			if err := writeOutput(outputs[i], art.Data); err != nil {
				return err
			}
			log.Info("compiled",
				zap.String("input", file),
				zap.String("output", outputs[i]),
				zap.Int("bytes", len(art.Data)),
				zap.Duration("elapsed", time.Since(start)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if failed > 0 {
		return errReported
	}
	return nil
}

// outputPaths maps inputs to output files. "-" writes to stdout and is only
// allowed for a single input.
func outputPaths(files []string, output string, format typstbridge.Format) ([]string, error) {
	out := make([]string, len(files))
	if len(files) == 1 && output != "" {
		if st, err := os.Stat(output); err != nil || !st.IsDir() {
			out[0] = output
			return out, nil
		}
	}
	if output == "-" {
		return nil, fmt.Errorf("--output -: only one input may be written to stdout")
	}
	for i, file := range files {
		if file == "-" {
			return nil, fmt.Errorf("stdin input needs --output")
		}
		name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)) + format.Extension()
		if output != "" {
			out[i] = filepath.Join(output, name)
		} else {
			out[i] = filepath.Join(filepath.Dir(file), name)
		}
	}
	return out, nil
}

func parseTimestamp(s string) (*time.Time, error) {
	if s == "" {
		s = os.Getenv("SOURCE_DATE_EPOCH")
	}
	if s == "" {
		return nil, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("--timestamp %q: want RFC 3339 or unix seconds", s)
	}
	return &t, nil
}

// loadData reads input data. YAML is chosen by extension; everything else
// is parsed as JSON with comments.
func loadData(path string, stdin io.Reader) (*value.Map, error) {
	if path == "" {
		return value.NewMap(), nil
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}

	var v value.Value
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v, err = value.FromYAML(data)
	default:
		v, err = value.FromJSON(data)
	}
	if err != nil {
		return nil, fmt.Errorf("data %s: %w", path, err)
	}
	m, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("data %s: top level must be a map, got %s", path, v.Kind())
	}
	return m, nil
}

func readInput(file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}

func displayName(file string) string {
	if file == "-" {
		return "<stdin>"
	}
	return file
}

func writeOutput(path string, data []byte) error {
	if path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
