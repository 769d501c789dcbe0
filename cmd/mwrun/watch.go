package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/mwrun/runtime"
	"github.com/wippyai/mwrun/sink"
)

func newWatchCmd() *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Re-run a source file every time it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			target, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			s, png, err := a.session(ctx, a.out, true)
			if err != nil {
				return err
			}
			defer s.Close(context.Background())

			rerun := func() {
				if err := a.runFile(ctx, s, png, target); err != nil {
					fmt.Fprintf(a.errOut, "Error: %v\n", err)
				}
			}
			rerun()
			return a.watch(ctx, target, debounce, rerun)
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 100*time.Millisecond, "wait this long after the last change")
	return cmd
}

func (a *app) runFile(ctx context.Context, s *runtime.Session, png *sink.PNG, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ctx, cancel := a.runContext(ctx)
	defer cancel()

	fmt.Fprintf(a.errOut, "--- %s (%s)\n", filepath.Base(path), time.Now().Format(time.TimeOnly))
	res, err := s.Run(ctx, string(b), runtime.RunOptions{})
	if err != nil {
		return err
	}
	return report(a.out, a.errOut, res, png)
}

// watch calls fn after target is written or recreated, until ctx is done.
// The directory is watched so editors that replace the file are seen.
func (a *app) watch(ctx context.Context, target string, debounce time.Duration, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	a.logger.Info("watching", zap.String("file", target))

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || filepath.Clean(event.Name) != target {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				a.logger.Debug("file changed", zap.String("file", event.Name))
				fn()
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Error("watcher error", zap.Error(err))
		}
	}
}
