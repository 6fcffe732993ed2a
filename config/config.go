package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/typst-bridge/errors"
)

// Environment variables.
const (
	EnvConfig    = "TYPST_BRIDGE_CONFIG"
	EnvManifest  = "TYPST_BRIDGE_MANIFEST"
	EnvBundleDir = "TYPST_BRIDGE_BUNDLE_DIR"
	EnvCacheDir  = "TYPST_BRIDGE_CACHE_DIR"
	EnvFontDir   = "TYPST_BRIDGE_FONT_DIR"
)

// ManifestName is the manifest file looked up in the bundle directory.
const ManifestName = "manifest.yaml"

// BundleName is the directory searched next to the executable when no
// manifest is configured.
const BundleName = "typst-bridge"

// executable locates the running binary. Replaced in tests.
var executable = os.Executable

// Config is the bridge configuration file.
type Config struct {
	// Manifest is the binary manifest. Defaults to manifest.yaml in BundleDir.
	Manifest string `yaml:"manifest"`

	// BundleDir holds the precompiled binaries. Defaults to the directory of
	// Manifest.
	BundleDir string `yaml:"bundle_dir"`

	// CacheDir receives verified binaries and the WASM compilation cache.
	// Default: <user cache dir>/typst-bridge
	CacheDir string `yaml:"cache_dir"`

	Fonts FontsConfig `yaml:"fonts"`

	// FaultPolicy is "invalidate" (default) or "isolate".
	FaultPolicy string `yaml:"fault_policy"`

	// MaxOutputBytes bounds an artifact. 0 means the bridge default.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	WASM WASMConfig `yaml:"wasm"`

	// FallbackWASM resolves the portable WASM build when the running
	// platform has no native binary.
	FallbackWASM bool `yaml:"fallback_wasm"`

	// Timeout is the default per-call timeout. 0 disables it.
	Timeout time.Duration `yaml:"timeout"`
}

// FontsConfig configures the font bundle.
type FontsConfig struct {
	// Root is the bundle directory. Empty means no bundled fonts.
	Root string `yaml:"root"`

	// Required families fail initialization when missing.
	Required []string `yaml:"required"`
}

// WASMConfig configures the WASM backend.
type WASMConfig struct {
	MaxInstances     int    `yaml:"max_instances"`
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
}

// Default returns the configuration used before any file or environment
// is applied.
func Default() *Config {
	cache := ""
	if dir, err := os.UserCacheDir(); err == nil {
		cache = filepath.Join(dir, "typst-bridge")
	}
	return &Config{
		CacheDir:    cache,
		FaultPolicy: "invalidate",
	}
}

// Load builds the configuration from the environment. TYPST_BRIDGE_CONFIG
// names an optional file; the other variables override its values.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfig); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.discover()
	cfg.finish()
	return cfg, cfg.Validate()
}

// LoadFile loads configuration from a file. Environment overrides are not
// applied.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.discover()
	cfg.finish()
	return cfg, cfg.Validate()
}

// Parse decodes a configuration document over the defaults. JSON with
// comments and trailing commas is accepted as well as YAML.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data, ""); err != nil {
		return nil, err
	}
	cfg.finish()
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Cause(err).
			Detail("read config %s", path).
			Build()
	}
	return c.decode(data, path)
}

func (c *Config) decode(data []byte, path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" || ext == ".jsonc" || looksLikeJSON(data) {
		// JSON is YAML once comments and trailing commas are gone. Raw tabs
		// cannot occur inside JSON strings, and YAML rejects them as
		// indentation.
		data = bytes.ReplaceAll(jsonc.ToJSON(data), []byte{'\t'}, []byte{' '})
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Cause(err).
			Detail("parse config %s", path).
			Build()
	}
	return nil
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func (c *Config) applyEnv() {
	for _, o := range []struct {
		env string
		dst *string
	}{
		{EnvManifest, &c.Manifest},
		{EnvBundleDir, &c.BundleDir},
		{EnvCacheDir, &c.CacheDir},
		{EnvFontDir, &c.Fonts.Root},
	} {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

// BundledDirs lists the conventional bundle locations relative to the
// running executable, in search order: <exe dir>/typst-bridge and
// <exe dir>/../share/typst-bridge.
func BundledDirs() []string {
	exe, err := executable()
	if err != nil {
		return nil
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	dir := filepath.Dir(exe)
	return []string{
		filepath.Join(dir, BundleName),
		filepath.Join(dir, "..", "share", BundleName),
	}
}

// discover fills in the first bundled location holding a manifest when
// neither a manifest nor a bundle directory is configured. A fonts
// directory inside it becomes the font root unless one is set.
func (c *Config) discover() {
	if c.Manifest != "" || c.BundleDir != "" {
		return
	}
	for _, dir := range BundledDirs() {
		if _, err := os.Stat(filepath.Join(dir, ManifestName)); err != nil {
			continue
		}
		c.BundleDir = filepath.Clean(dir)
		if c.Fonts.Root == "" {
			if info, err := os.Stat(filepath.Join(c.BundleDir, "fonts")); err == nil && info.IsDir() {
				c.Fonts.Root = filepath.Join(c.BundleDir, "fonts")
			}
		}
		return
	}
}

// finish expands variables and derives the manifest and bundle paths from
// each other.
func (c *Config) finish() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.CacheDir = expandVars(c.CacheDir, vars)
	vars["CACHE_DIR"] = c.CacheDir
	c.BundleDir = expandVars(c.BundleDir, vars)
	vars["BUNDLE_DIR"] = c.BundleDir
	c.Manifest = expandVars(c.Manifest, vars)
	c.Fonts.Root = expandVars(c.Fonts.Root, vars)

	switch {
	case c.Manifest == "" && c.BundleDir != "":
		c.Manifest = filepath.Join(c.BundleDir, ManifestName)
	case c.Manifest != "" && c.BundleDir == "":
		c.BundleDir = filepath.Dir(c.Manifest)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, def := parts[1], parts[2]
		if v, ok := vars[name]; ok && v != "" {
			return v
		}
		if v := os.Getenv(name); v != "" {
			return v
		}
		return def
	})
}

// Validate checks field values. A missing manifest is not an error here;
// it surfaces on the first compile.
func (c *Config) Validate() error {
	switch strings.ToLower(c.FaultPolicy) {
	case "", "invalidate", "isolate":
	default:
		return invalid("fault_policy", fmt.Sprintf("unknown fault policy %q", c.FaultPolicy))
	}
	if c.MaxOutputBytes < 0 {
		return invalid("max_output_bytes", "must not be negative: "+strconv.FormatInt(c.MaxOutputBytes, 10))
	}
	if c.Timeout < 0 {
		return invalid("timeout", "must not be negative")
	}
	if c.WASM.MaxInstances < 0 {
		return invalid("wasm.max_instances", "must not be negative")
	}
	for i, fam := range c.Fonts.Required {
		if strings.TrimSpace(fam) == "" {
			return invalid(fmt.Sprintf("fonts.required[%d]", i), "family name is empty")
		}
	}
	return nil
}

func invalid(field, detail string) error {
	return errors.InvalidInput(errors.PhaseConfig, strings.Split(field, "."), detail)
}
