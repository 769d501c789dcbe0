package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/mwrun/linker"
	"github.com/wippyai/mwrun/runtime"
)

type batchResult struct {
	file   string
	output bytes.Buffer
	err    error
}

func newBatchCmd() *cobra.Command {
	var keepGoing bool
	cmd := &cobra.Command{
		Use:   "batch <file>...",
		Short: "Run many source or .wasm files, each in its own session",
		Long: `batch runs every file in its own session, up to --parallel at a time.
Files ending in .wasm are executed directly; everything else is compiled
first. Output is printed per file in argument order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			results := make([]*batchResult, len(args))

			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(a.cfg.Parallel)
			for i, file := range args {
				r := &batchResult{file: file}
				results[i] = r
				g.Go(func() error {
					r.err = a.batchOne(ctx, r)
					if r.err != nil && !keepGoing {
						return fmt.Errorf("%s: %w", r.file, r.err)
					}
					return nil
				})
			}
			werr := g.Wait()

			failed := 0
			for _, r := range results {
				fmt.Fprintf(a.out, "=== %s\n", r.file)
				_, _ = a.out.Write(r.output.Bytes())
				if r.err != nil {
					failed++
					fmt.Fprintf(a.out, "FAIL: %v\n", r.err)
				}
			}
			if werr != nil {
				return werr
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&keepGoing, "keep-going", "k", false, "run every file even after a failure")
	return cmd
}

func (a *app) batchOne(ctx context.Context, r *batchResult) error {
	isWasm := strings.EqualFold(filepath.Ext(r.file), ".wasm")
	data, err := os.ReadFile(r.file)
	if err != nil {
		return err
	}
	ctx, cancel := a.runContext(ctx)
	defer cancel()

	s, png, err := a.session(ctx, &r.output, !isWasm)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())
	if png != nil {
		png.Prefix = strings.TrimSuffix(filepath.Base(r.file), filepath.Ext(r.file))
	}

	var res *linker.ExecutionResult
	if isWasm {
		res, err = s.RunBytes(ctx, data)
	} else {
		res, err = s.Run(ctx, string(data), runtime.RunOptions{})
	}
	if err != nil {
		return err
	}
	a.logger.Debug("batch file done", zap.String("file", r.file), zap.String("session", s.ID()), zap.Duration("elapsed", res.Elapsed))
	return report(&r.output, &r.output, res, png)
}
