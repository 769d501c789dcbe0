package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/wippyai/mwrun/errors"
)

func inDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("compiler", "", "")
	fs.String("log-level", "", "")
	fs.Uint32("memory-pages", 0, "")
	fs.Duration("timeout", 0, "")
	fs.Int("parallel", 0, "")
	fs.String("png", "", "")
	fs.String("render-export", "", "")
	return fs
}

func TestLoadDefaults(t *testing.T) {
	inDir(t)
	cfg, used, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if used != "" {
		t.Errorf("config file = %q, want none", used)
	}
	if cfg.Log.Level != DefaultLogLevel || cfg.Log.Format != DefaultLogFormat {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.History.Limit != DefaultHistoryLimit || cfg.Parallel != DefaultParallel {
		t.Errorf("limits = %d, %d", cfg.History.Limit, cfg.Parallel)
	}
	if cfg.History.Export != DefaultRenderExport {
		t.Errorf("history export = %q", cfg.History.Export)
	}
	if cfg.Compiler.FetchTimeout != DefaultFetchTimeout {
		t.Errorf("fetch timeout = %s", cfg.Compiler.FetchTimeout)
	}
	if cfg.Source() != nil {
		t.Error("source should be nil without path or url")
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := inDir(t)
	writeFile(t, filepath.Join(dir, "mwrun.yaml"), `
compiler:
  path: file.wasm
  scratch_size: 4096
  exports:
    allocate: malloc
engine:
  memory_limit_pages: 128
log:
  level: warn
timeout: 2s
png:
  dir: frames
  scale: 3
history:
  limit: 5
`)
	t.Setenv("MWRUN_LOG__LEVEL", "debug")
	t.Setenv("MWRUN_ENGINE__MEMORY_LIMIT_PAGES", "256")

	fs := testFlags()
	if err := fs.Parse([]string{"--memory-pages=512", "--timeout=5s", "--render-export=plot_mandelbrot_set"}); err != nil {
		t.Fatal(err)
	}
	cfg, used, err := Load("", fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if used != "mwrun.yaml" {
		t.Errorf("config file = %q", used)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"file only", cfg.Compiler.Path, "file.wasm"},
		{"nested exports", cfg.Compiler.Exports.Allocate, "malloc"},
		{"scratch", cfg.Compiler.ScratchSize, uint32(4096)},
		{"env over file", cfg.Log.Level, "debug"},
		{"flag over env", cfg.Engine.MemoryLimitPages, uint32(512)},
		{"flag duration", cfg.Timeout, 5 * time.Second},
		{"png dir", cfg.PNG.Dir, "frames"},
		{"png scale", cfg.PNG.Scale, 3},
		{"unchanged flag ignored", cfg.Parallel, DefaultParallel},
		{"history limit", cfg.History.Limit, 5},
		{"render export flag", cfg.History.Export, "plot_mandelbrot_set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
	if cfg.Source() == nil || cfg.Source().String() != "file:file.wasm" {
		t.Errorf("source = %v", cfg.Source())
	}
}

func TestLoadExplicitFile(t *testing.T) {
	dir := inDir(t)
	path := filepath.Join(dir, "other.yaml")
	writeFile(t, path, "compiler:\n  url: https://example.com/c.wasm\n")
	cfg, used, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if used != path || cfg.Compiler.URL != "https://example.com/c.wasm" {
		t.Errorf("used %q, url %q", used, cfg.Compiler.URL)
	}
	if cfg.Source().String() != "https://example.com/c.wasm" {
		t.Errorf("source = %v", cfg.Source())
	}
}

func TestLoadMissingFile(t *testing.T) {
	inDir(t)
	if _, _, err := Load("nope.yaml", nil); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Log:      LogConfig{Level: "info", Format: "console"},
			Parallel: 1,
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"path and url", func(c *Config) { c.Compiler.Path, c.Compiler.URL = "a", "b" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"memory pages", func(c *Config) { c.Engine.MemoryLimitPages = 65537 }},
		{"memory pages below guest memory", func(c *Config) { c.Engine.MemoryLimitPages = 8 }},
		{"png scale", func(c *Config) { c.PNG.Scale = -1 }},
		{"parallel", func(c *Config) { c.Parallel = 0 }},
		{"timeout", func(c *Config) { c.Timeout = -time.Second }},
	}
	ok := base()
	if err := ok.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	ok.Engine.MemoryLimitPages = 16
	if err := ok.Validate(); err != nil {
		t.Fatalf("16 pages rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if !errors.HasKind(err, errors.KindInvalidInput) {
				t.Errorf("err = %v, want invalid_input", err)
			}
		})
	}
}

func TestLoggerFormats(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		c := Config{Log: LogConfig{Level: "debug", Format: format}}
		l, err := c.Logger()
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if !l.Core().Enabled(-1) {
			t.Errorf("%s: debug not enabled", format)
		}
	}
}

func TestEngineConfig(t *testing.T) {
	c := Config{Engine: EngineConfig{CacheDir: "/tmp/c", MemoryLimitPages: 64, Interpreter: true}}
	ec := c.EngineConfig()
	if ec.CacheDir != "/tmp/c" || ec.MemoryLimitPages != 64 || !ec.Interpreter || !ec.CloseOnContextDone {
		t.Errorf("engine config = %+v", ec)
	}
}
