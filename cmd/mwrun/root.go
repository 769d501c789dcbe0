package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/mwrun"
	"github.com/wippyai/mwrun/compiler"
	"github.com/wippyai/mwrun/engine"
	"github.com/wippyai/mwrun/internal/config"
	"github.com/wippyai/mwrun/linker"
	"github.com/wippyai/mwrun/runtime"
	"github.com/wippyai/mwrun/sink"
	"github.com/wippyai/mwrun/wasi"
)

// Version is set at build time.
var Version = "dev"

type appKey struct{}

// app carries what every command needs once flags and config are resolved.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	out    io.Writer
	errOut io.Writer
}

func appFrom(cmd *cobra.Command) *app {
	a, _ := cmd.Context().Value(appKey{}).(*app)
	return a
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "mwrun",
		Short: "Compile and run programs through a trusted wasm compiler",
		Long: `mwrun loads a trusted compiler module, compiles source text to guest
bytecode, links the guest against a fixed host ABI and executes it.

Guest output goes to stdout; images are summarized or written as PNG.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}
			cfg, used, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := cfg.Logger()
			if err != nil {
				return err
			}
			for _, set := range []func(*zap.Logger){
				compiler.SetLogger, linker.SetLogger, engine.SetLogger, wasi.SetLogger,
			} {
				set(logger)
			}
			if used != "" {
				logger.Debug("using config file", zap.String("path", used))
			}
			a := &app{cfg: cfg, logger: logger, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a := appFrom(cmd); a != nil {
				_ = a.logger.Sync()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./mwrun.yaml)")
	pf.String("compiler", "", "path to the trusted compiler module")
	pf.String("compiler-url", "", "URL of the trusted compiler module")
	pf.Uint32("scratch-size", 0, "source buffer size in bytes, including the terminator")
	pf.String("cache-dir", "", "directory for the compilation cache")
	pf.Uint32("memory-pages", 0, "memory limit per module in 64KiB pages")
	pf.Bool("interpreter", false, "use the interpreter instead of the compiler engine")
	pf.String("log-level", "", "log level (debug|info|warn|error)")
	pf.String("log-format", "", "log format (console|json)")
	pf.String("png", "", "write images as PNG files into this directory")
	pf.Int("png-scale", 0, "integer upscale factor for PNG output")
	pf.Int("history-limit", 0, "maximum view history entries (0 for unbounded)")
	pf.String("render-export", "", "guest export replayed by the view history (default render)")
	pf.Duration("timeout", 0, "abort a run after this long")
	pf.Int("parallel", 0, "concurrent sessions for batch")

	_ = root.RegisterFlagCompletionFunc("log-format", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"console", "json"}, cobra.ShellCompDirectiveNoFileComp
	})

	root.AddCommand(
		newRunCmd(),
		newExecCmd(),
		newCompileCmd(),
		newHighlightCmd(),
		newVersionCmd(),
		newWatchCmd(),
		newBatchCmd(),
		newReplCmd(),
	)
	return root
}

// sinks returns the log and image sinks for output written to w.
func (a *app) sinks(w io.Writer) (mwrun.LogSink, mwrun.ImageSink, *sink.PNG) {
	logSink := sink.Tee(sink.Writer(w), func(text string) {
		a.logger.Debug("guest output", zap.String("text", text))
	})
	imageSink := sink.Summary(w)
	var png *sink.PNG
	if a.cfg.PNG.Dir != "" {
		png = sink.NewPNG(a.cfg.PNG.Dir, "")
		png.Scale = a.cfg.PNG.Scale
		png.Logger = a.logger
		imageSink = sink.TeeImage(imageSink, png.Sink())
	}
	return logSink, imageSink, png
}

// session opens a session writing to w. When needCompiler is set the
// configured compiler is loaded before returning.
func (a *app) session(ctx context.Context, w io.Writer, needCompiler bool) (*runtime.Session, *sink.PNG, error) {
	logSink, imageSink, png := a.sinks(w)
	s, err := a.openSession(ctx, logSink, imageSink, needCompiler)
	if err != nil {
		return nil, nil, err
	}
	return s, png, nil
}

func (a *app) openSession(ctx context.Context, logSink mwrun.LogSink, imageSink mwrun.ImageSink, needCompiler bool) (*runtime.Session, error) {
	s, err := runtime.New(ctx, runtime.Config{
		Engine: a.cfg.EngineConfig(),
		Compiler: runtime.CompilerConfig{
			ModuleName:  a.cfg.Compiler.Module,
			Exports:     a.cfg.Compiler.Exports,
			ScratchSize: a.cfg.Compiler.ScratchSize,
		},
		Log:    logSink,
		Image:  imageSink,
		Logger: a.logger,
	})
	if err != nil {
		return nil, err
	}
	if !needCompiler {
		return s, nil
	}
	src := a.cfg.Source()
	if src == nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("no compiler configured: set --compiler, --compiler-url or compiler.path")
	}
	if err := s.Load(ctx, src); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	a.logger.Debug("compiler loaded", zap.Stringer("source", src), zap.String("version", s.Version()))
	return s, nil
}

// runContext applies the configured timeout.
func (a *app) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, a.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// readInput returns the -e text, the named file, or stdin.
func readInput(expr string, args []string) (string, string, error) {
	if expr != "" {
		return expr, "<expr>", nil
	}
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), "<stdin>", err
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", "", fmt.Errorf("read source: %w", err)
	}
	return string(b), args[0], nil
}
