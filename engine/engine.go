package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/mwrun/errors"
)

// Config holds configuration for engine creation
type Config struct {
	// CacheDir enables an on-disk compilation cache. Takes precedence over
	// SharedCache.
	CacheDir string

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// CloseOnContextDone makes wasm execution stop when the calling context
	// is canceled or times out.
	CloseOnContextDone bool

	// SharedCache reuses compiled code between engines of this process.
	SharedCache bool

	// Interpreter forces the interpreter even where the compiler is supported.
	Interpreter bool
}

var (
	sharedCache     wazero.CompilationCache
	sharedCacheOnce sync.Once
)

func processCache() wazero.CompilationCache {
	sharedCacheOnce.Do(func() {
		sharedCache = wazero.NewCompilationCache()
	})
	return sharedCache
}

// Engine owns one wazero runtime.
type Engine struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache // owned only when built from CacheDir
	cfg     Config
}

// New creates an engine. A nil cfg uses defaults.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}

	var rc wazero.RuntimeConfig
	if c.Interpreter {
		rc = wazero.NewRuntimeConfigInterpreter()
	} else {
		rc = wazero.NewRuntimeConfig()
	}
	if c.MemoryLimitPages > 0 {
		if c.MemoryLimitPages > 65536 {
			return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Value(c.MemoryLimitPages).
				Detail("memory limit %d exceeds 65536 pages", c.MemoryLimitPages).
				Build()
		}
		rc = rc.WithMemoryLimitPages(c.MemoryLimitPages)
	}
	if c.CloseOnContextDone {
		rc = rc.WithCloseOnContextDone(true)
	}

	e := &Engine{cfg: c}
	switch {
	case c.CacheDir != "":
		cache, err := wazero.NewCompilationCacheWithDir(c.CacheDir)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "open compilation cache "+c.CacheDir)
		}
		e.cache = cache
		rc = rc.WithCompilationCache(cache)
	case c.SharedCache:
		rc = rc.WithCompilationCache(processCache())
	}

	e.runtime = wazero.NewRuntimeWithConfig(ctx, rc)
	Logger().Debug("engine created",
		zap.Uint32("memory_limit_pages", c.MemoryLimitPages),
		zap.Bool("close_on_context_done", c.CloseOnContextDone),
		zap.Bool("interpreter", c.Interpreter),
		zap.String("cache_dir", c.CacheDir),
	)
	return e, nil
}

// Runtime returns the underlying wazero runtime.
func (e *Engine) Runtime() wazero.Runtime {
	return e.runtime
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// Close releases the runtime and every module instantiated in it.
func (e *Engine) Close(ctx context.Context) error {
	err := e.runtime.Close(ctx)
	if e.cache != nil {
		if cerr := e.cache.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}
