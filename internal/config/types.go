// Package config loads mwrun settings from defaults, mwrun.yaml, MWRUN_
// environment variables and command-line flags.
package config

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/mwrun/compiler"
	"github.com/wippyai/mwrun/engine"
	"github.com/wippyai/mwrun/errors"
	"github.com/wippyai/mwrun/linker"
	"github.com/wippyai/mwrun/source"
)

const (
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "console"
	DefaultHistoryLimit = 64
	DefaultRenderExport = "render"
	DefaultParallel     = 4
	DefaultFetchTimeout = 30 * time.Second
)

// Config is the resolved mwrun configuration.
type Config struct {
	Compiler CompilerConfig `koanf:"compiler"`
	Engine   EngineConfig   `koanf:"engine"`
	Log      LogConfig      `koanf:"log"`
	PNG      PNGConfig      `koanf:"png"`

	History HistoryConfig `koanf:"history"`
	// Timeout bounds a single run; 0 means none.
	Timeout  time.Duration `koanf:"timeout"`
	Parallel int           `koanf:"parallel"`
}

// CompilerConfig locates and describes the trusted compiler module.
type CompilerConfig struct {
	Path         string           `koanf:"path"`
	URL          string           `koanf:"url"`
	FetchTimeout time.Duration    `koanf:"fetch_timeout"`
	Module       string           `koanf:"module"`
	ScratchSize  uint32           `koanf:"scratch_size"`
	Exports      compiler.Exports `koanf:"exports"`
}

type EngineConfig struct {
	CacheDir         string `koanf:"cache_dir"`
	MemoryLimitPages uint32 `koanf:"memory_limit_pages"`
	Interpreter      bool   `koanf:"interpreter"`
}

// HistoryConfig binds the view history to a guest export taking
// (x0, y0, x1, y1).
type HistoryConfig struct {
	Limit  int    `koanf:"limit"`
	Export string `koanf:"export"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// PNGConfig enables writing setImageData frames as PNG files.
type PNGConfig struct {
	Dir   string `koanf:"dir"`
	Scale int    `koanf:"scale"`
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).Detail(format, args...).Build()
	}
	if c.Compiler.Path != "" && c.Compiler.URL != "" {
		return invalid("compiler.path and compiler.url are mutually exclusive")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level %q: %v", c.Log.Level, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return invalid("log.format %q: want console or json", c.Log.Format)
	}
	if c.Engine.MemoryLimitPages > 65536 {
		return invalid("engine.memory_limit_pages %d exceeds 65536", c.Engine.MemoryLimitPages)
	}
	if p := c.Engine.MemoryLimitPages; p > 0 && p < linker.DefaultMemoryPages {
		return invalid("engine.memory_limit_pages %d is below the %d pages a guest needs", p, linker.DefaultMemoryPages)
	}
	if c.PNG.Scale < 0 {
		return invalid("png.scale %d is negative", c.PNG.Scale)
	}
	if c.Parallel < 1 {
		return invalid("parallel %d: need at least 1", c.Parallel)
	}
	if c.Timeout < 0 {
		return invalid("timeout %s is negative", c.Timeout)
	}
	return nil
}

// Source returns where the compiler is loaded from, or nil when neither a
// path nor a URL is set.
func (c *Config) Source() source.ByteSource {
	switch {
	case c.Compiler.Path != "":
		return source.File(c.Compiler.Path)
	case c.Compiler.URL != "":
		return source.HTTP(c.Compiler.URL, source.WithTimeout(c.Compiler.FetchTimeout))
	}
	return nil
}

// EngineConfig converts to the engine's settings. Runs are bounded by
// context, so the runtime always honors cancellation.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		CacheDir:           c.Engine.CacheDir,
		MemoryLimitPages:   c.Engine.MemoryLimitPages,
		Interpreter:        c.Engine.Interpreter,
		CloseOnContextDone: true,
	}
}

// Logger builds the process logger.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log level")
	}
	var zc zap.Config
	if strings.EqualFold(c.Log.Format, "json") {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
