package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/mwrun/linker"
	"github.com/wippyai/mwrun/runtime"
	"github.com/wippyai/mwrun/sink"
)

func newRunCmd() *cobra.Command {
	var (
		expr   string
		retain bool
	)
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Compile and execute a source file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			text, name, err := readInput(expr, args)
			if err != nil {
				return err
			}
			ctx, cancel := a.runContext(cmd.Context())
			defer cancel()

			s, png, err := a.session(ctx, a.out, true)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			res, err := s.Run(ctx, text, runtime.RunOptions{Retain: retain})
			if err != nil {
				return err
			}
			a.logger.Debug("run finished", zap.String("source", name), zap.Duration("elapsed", res.Elapsed))
			if retain && res.Artifact != nil {
				fmt.Fprintf(a.errOut, "retained artifact: %d bytes\n", res.Artifact.Size())
			}
			return report(a.out, a.errOut, res, png)
		},
	}
	cmd.Flags().StringVarP(&expr, "expr", "e", "", "source text to run instead of a file")
	cmd.Flags().BoolVar(&retain, "retain", false, "keep the compiled artifact until exit")
	return cmd
}

func newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <file.wasm>",
		Short: "Execute previously compiled guest bytecode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read guest: %w", err)
			}
			ctx, cancel := a.runContext(cmd.Context())
			defer cancel()

			s, png, err := a.session(ctx, a.out, false)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			res, err := s.RunBytes(ctx, data)
			if err != nil {
				return err
			}
			return report(a.out, a.errOut, res, png)
		},
	}
}

func newCompileCmd() *cobra.Command {
	var (
		expr   string
		output string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "compile [file]",
		Short: "Compile a source file and write the guest bytecode",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			text, name, err := readInput(expr, args)
			if err != nil {
				return err
			}
			if output == "" && len(args) == 1 {
				output = trimExt(args[0]) + ".wasm"
			}
			var w io.Writer = os.Stdout
			if output == "" || output == "-" {
				if term.IsTerminal(int(os.Stdout.Fd())) && !force {
					return fmt.Errorf("refusing to write bytecode to a terminal; use -o or --force")
				}
			} else {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			ctx := cmd.Context()
			// Diagnostics go to stderr so stdout stays binary.
			s, _, err := a.session(ctx, a.errOut, true)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			n, err := s.CompileTo(ctx, text, w)
			if err != nil {
				return err
			}
			a.logger.Info("compiled", zap.String("source", name), zap.String("output", output), zap.Int64("bytes", n))
			return nil
		},
	}
	cmd.Flags().StringVarP(&expr, "expr", "e", "", "source text to compile instead of a file")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: <file>.wasm, - for stdout)")
	cmd.Flags().BoolVar(&force, "force", false, "write bytecode to a terminal")
	return cmd
}

func newHighlightCmd() *cobra.Command {
	var expr string
	cmd := &cobra.Command{
		Use:   "highlight [file]",
		Short: "Print the compiler's highlighted rendering of a source file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			text, _, err := readInput(expr, args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, _, err := a.session(ctx, a.errOut, true)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			out, err := s.Highlight(ctx, text)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&expr, "expr", "e", "", "source text instead of a file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print mwrun and compiler versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			fmt.Fprintf(a.out, "mwrun %s\n", Version)
			if a.cfg.Source() == nil {
				return nil
			}
			ctx := cmd.Context()
			s, _, err := a.session(ctx, a.errOut, true)
			if err != nil {
				return err
			}
			defer s.Close(ctx)
			v := s.Version()
			if v == "" {
				v = "unknown"
			}
			fmt.Fprintf(a.out, "compiler %s\n", v)
			return nil
		},
	}
}

// report prints the outcome of a run. A trap is an error exit but the
// output produced before it is kept.
func report(out, errOut io.Writer, res *linker.ExecutionResult, png *sink.PNG) error {
	for _, d := range res.Diagnostics {
		fmt.Fprintf(errOut, "warning: %s\n", d)
	}
	if png != nil {
		for _, path := range png.Written() {
			fmt.Fprintf(errOut, "wrote %s\n", path)
		}
		if err := png.Err(); err != nil {
			fmt.Fprintf(errOut, "png: %v\n", err)
		}
	}
	if res.Trapped {
		return res.Trap
	}
	if res.ReturnValue != nil {
		fmt.Fprintf(out, "\n=> %v\n", res.ReturnValue)
	}
	return nil
}

func trimExt(path string) string {
	return path[:len(path)-len(filepath.Ext(path))]
}
