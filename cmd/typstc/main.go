// typstc compiles typst documents with the precompiled engine.
//
//	typstc compile [flags] FILE...
//	typstc resolve [flags]
//	typstc fonts   [-i] [flags]
//	typstc version
package main

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	typstbridge "github.com/wippyai/typst-bridge"
	"github.com/wippyai/typst-bridge/config"
	"github.com/wippyai/typst-bridge/engine"
)

type command struct {
	run   func(args []string) error
	name  string
	usage string
}

var commands = []command{
	{name: "compile", usage: "compile FILE... to pdf, svg or png", run: runCompile},
	{name: "resolve", usage: "locate and verify the engine binary for this platform", run: runResolve},
	{name: "fonts", usage: "list the font bundle (-i for an interactive browser)", run: runFonts},
	{name: "version", usage: "print version information", run: runVersion},
}

// exitError carries a process exit code.
type exitError struct {
	err  error
	code int
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) ExitCode() int { return e.code }

func main() {
	if err := run(os.Args[1:]); err != nil {
		if err == errHelp {
			return
		}
		code := 1
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			code = coder.ExitCode()
		}
		if err != errReported {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(code)
	}
}

var (
	// errReported means the command already printed its failure.
	errReported = &exitError{err: stderrors.New("failed"), code: 1}

	// errHelp ends a command after its usage was printed.
	errHelp = stderrors.New("help requested")
)

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return nil
	}
	if args[0] == "--version" {
		return runVersion(nil)
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(args[1:])
		}
	}
	printUsage()
	return &exitError{err: fmt.Errorf("unknown command %q", args[0]), code: 2}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: typstc <command> [flags]")
	fmt.Fprintln(os.Stderr)
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Run typstc <command> --help for command flags.")
}

// globalFlags are shared by every command that touches the engine.
type globalFlags struct {
	configFile string
	manifest   string
	cacheDir   string
	fontDir    string
	logLevel   string
	logFormat  string
	wasm       bool
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&g.configFile, "config", "", "configuration file (default $"+config.EnvConfig+")")
	fs.StringVar(&g.manifest, "manifest", "", "binary manifest (overrides configuration)")
	fs.StringVar(&g.cacheDir, "cache-dir", "", "cache directory (overrides configuration)")
	fs.StringVar(&g.fontDir, "font-dir", "", "font bundle directory (overrides configuration)")
	fs.StringVar(&g.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	fs.StringVar(&g.logFormat, "log-format", "", "log format: console or json (default console on a terminal)")
	fs.BoolVar(&g.wasm, "fallback-wasm", false, "use the portable WASM engine when no native build exists")
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("typstc "+name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

// parse handles --help and maps flag errors to exit code 2.
func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return errHelp
		}
		return &exitError{err: err, code: 2}
	}
	return nil
}

// compiler builds a compiler from configuration and flags.
func (g *globalFlags) compiler(log *zap.Logger) (*typstbridge.Compiler, *config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configFile != "" {
		cfg, err = config.LoadFile(g.configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	if g.manifest != "" {
		cfg.Manifest = g.manifest
		cfg.BundleDir = ""
	}
	if g.cacheDir != "" {
		cfg.CacheDir = g.cacheDir
	}
	if g.fontDir != "" {
		cfg.Fonts.Root = g.fontDir
	}
	if g.wasm {
		cfg.FallbackWASM = true
	}

	cc, err := typstbridge.ConfigFrom(cfg)
	if err != nil {
		return nil, nil, err
	}
	cc.Logger = log
	return typstbridge.New(cc), cfg, nil
}

// logger builds a zap logger and installs it for the engine package.
func (g *globalFlags) logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(g.logLevel)
	if err != nil {
		return nil, &exitError{err: fmt.Errorf("--log-level: %w", err), code: 2}
	}

	format := strings.ToLower(g.logFormat)
	if format == "" {
		format = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "console"
		}
	}

	var zc zap.Config
	switch format {
	case "console":
		zc = zap.NewDevelopmentConfig()
		zc.DisableStacktrace = true
	case "json":
		zc = zap.NewProductionConfig()
		zc.Sampling = nil
	default:
		return nil, &exitError{err: fmt.Errorf("--log-format: unknown format %q", g.logFormat), code: 2}
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}

	log, err := zc.Build()
	if err != nil {
		return nil, err
	}
	engine.SetLogger(log.Named("engine"))
	return log, nil
}
