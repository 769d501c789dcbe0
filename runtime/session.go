package runtime

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/mwrun"
	"github.com/wippyai/mwrun/compiler"
	"github.com/wippyai/mwrun/engine"
	"github.com/wippyai/mwrun/errors"
	"github.com/wippyai/mwrun/linker"
	"github.com/wippyai/mwrun/source"
	"github.com/wippyai/mwrun/view"
)

// DefaultRenderExport is the guest export History replays by default.
const DefaultRenderExport = "render"

// Config configures a Session.
type Config struct {
	Engine   engine.Config
	Compiler CompilerConfig
	// ABI defaults to linker.DefaultABI when Entries is empty.
	ABI linker.ABI

	Log    mwrun.LogSink
	Image  mwrun.ImageSink
	Logger *zap.Logger
}

// CompilerConfig holds the trusted module settings.
type CompilerConfig struct {
	ModuleName  string
	Exports     compiler.Exports
	ScratchSize uint32
}

// RunOptions controls Run.
type RunOptions struct {
	// Retain keeps the compiled artifact alive after execution, reported
	// in ExecutionResult.Artifact, until ReleaseRetainedArtifact or the
	// next run.
	Retain bool
}

// Session owns one compiler host and one linker.
type Session struct {
	engine   *engine.Engine
	compiler *compiler.Host
	linker   *linker.Linker
	logger   *zap.Logger
	id       string
	mu       sync.Mutex
	closed   bool
}

// New builds a session on its own wazero runtime. The compiler is not
// loaded yet.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if len(cfg.ABI.Entries) == 0 {
		cfg.ABI = linker.DefaultABI()
	}
	id := uuid.New().String()
	log := cfg.Logger.With(zap.String("session", id))

	eng, err := engine.New(ctx, &cfg.Engine)
	if err != nil {
		return nil, err
	}
	r := eng.Runtime()

	s := &Session{
		id:     id,
		engine: eng,
		logger: log,
		compiler: compiler.New(r, compiler.Options{
			Log:         cfg.Log,
			Logger:      log,
			ModuleName:  cfg.Compiler.ModuleName,
			Exports:     cfg.Compiler.Exports,
			ScratchSize: cfg.Compiler.ScratchSize,
		}),
		linker: linker.New(r, cfg.ABI, linker.Options{
			Log:    cfg.Log,
			Image:  cfg.Image,
			Logger: log,
		}),
	}
	log.Debug("session created")
	return s, nil
}

// ID returns the session's UUID.
func (s *Session) ID() string {
	return s.id
}

// Compiler returns the session's compiler host.
func (s *Session) Compiler() *compiler.Host {
	return s.compiler
}

// Linker returns the session's linker.
func (s *Session) Linker() *linker.Linker {
	return s.linker
}

// Load fetches and instantiates the trusted compiler. It does not hold the
// session lock, so other goroutines can Wait on it.
func (s *Session) Load(ctx context.Context, src source.ByteSource) error {
	return s.compiler.Load(ctx, src)
}

// Wait blocks until Load has resolved.
func (s *Session) Wait(ctx context.Context) error {
	return s.compiler.Wait(ctx)
}

// Version returns the compiler's version string.
func (s *Session) Version() string {
	return s.compiler.Version()
}

func (s *Session) lock(phase errors.Phase) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.InvalidState(phase, "session closed", nil)
	}
	return nil
}

// Compile compiles text. The caller owns the artifact and must Release it.
func (s *Session) Compile(ctx context.Context, text string) (*compiler.Artifact, error) {
	if err := s.lock(errors.PhaseCompile); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.compiler.Compile(ctx, text)
}

// Run compiles, links and executes text. Compile and link failures are
// errors; a guest trap is reported in the result. Unless opts.Retain is
// set the artifact is released before Run returns.
func (s *Session) Run(ctx context.Context, text string, opts RunOptions) (*linker.ExecutionResult, error) {
	if err := s.lock(errors.PhaseCompile); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	art, err := s.compiler.Compile(ctx, text)
	if err != nil {
		return nil, err
	}
	inst, err := s.linker.Instantiate(ctx, art)
	if err != nil {
		if rerr := art.Release(ctx); rerr != nil {
			s.logger.Warn("release after link failure", zap.Error(rerr))
		}
		return nil, err
	}
	return s.execute(ctx, inst, opts)
}

// RunBytes links and executes guest bytecode directly, skipping the
// compiler. The compiler need not be loaded.
func (s *Session) RunBytes(ctx context.Context, data []byte) (*linker.ExecutionResult, error) {
	if err := s.lock(errors.PhaseLinking); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	inst, err := s.linker.InstantiateBytes(ctx, data)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, inst, RunOptions{})
}

func (s *Session) execute(ctx context.Context, inst *linker.Instance, opts RunOptions) (*linker.ExecutionResult, error) {
	res, err := inst.Execute(ctx)
	if !opts.Retain {
		if rerr := s.linker.ReleaseRetainedArtifact(ctx); rerr != nil {
			s.logger.Warn("release artifact", zap.Error(rerr))
		}
		if res != nil {
			res.Artifact = nil
		}
	}
	if err != nil {
		return nil, err
	}
	if res.Trapped {
		s.logger.Info("guest trapped", zap.Error(res.Trap))
	}
	return res, nil
}

// ReleaseRetainedArtifact frees an artifact kept by Run with Retain.
func (s *Session) ReleaseRetainedArtifact(ctx context.Context) error {
	if err := s.lock(errors.PhaseCompile); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.linker.ReleaseRetainedArtifact(ctx)
}

// CompileTo compiles text and writes the bytecode to w verbatim.
func (s *Session) CompileTo(ctx context.Context, text string, w io.Writer) (int64, error) {
	if err := s.lock(errors.PhaseCompile); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	art, err := s.compiler.Compile(ctx, text)
	if err != nil {
		return 0, err
	}
	defer func() {
		if rerr := art.Release(ctx); rerr != nil {
			s.logger.Warn("release artifact", zap.Error(rerr))
		}
	}()
	return art.WriteTo(w)
}

// Highlight returns the compiler's highlighted rendering of text.
func (s *Session) Highlight(ctx context.Context, text string) (string, error) {
	if err := s.lock(errors.PhaseCompile); err != nil {
		return "", err
	}
	defer s.mu.Unlock()
	return s.compiler.Highlight(ctx, text)
}

// History returns a view history replaying export of the live guest.
// The history is bound to that guest; it stops working once a later run
// supersedes it.
func (s *Session) History(export string, limit int) (*view.History, error) {
	if err := s.lock(errors.PhaseRuntime); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	inst := s.linker.Current()
	if inst == nil {
		return nil, errors.InvalidState(errors.PhaseRuntime, "no live guest", nil)
	}
	if export == "" {
		export = DefaultRenderExport
	}
	r, err := linker.NewRenderer(inst, export)
	if err != nil {
		return nil, err
	}
	return view.New(limit, &lockedRenderer{s: s, r: r}), nil
}

// lockedRenderer serializes history replays with other session calls.
type lockedRenderer struct {
	s *Session
	r view.Renderer
}

func (l *lockedRenderer) Render(ctx context.Context, rect view.Rect) error {
	if err := l.s.lock(errors.PhaseRuntime); err != nil {
		return err
	}
	defer l.s.mu.Unlock()
	return l.r.Render(ctx, rect)
}

// Close tears down the guest, the compiler and the runtime.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var first error
	for _, closeFn := range []func(context.Context) error{
		s.linker.Close,
		s.compiler.Close,
		s.engine.Close,
	} {
		if err := closeFn(ctx); err != nil && first == nil {
			first = err
		}
	}
	s.logger.Debug("session closed")
	return first
}
