// Package main implements do-merge, which runs one merge job on a worker
// node.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dune/merge-utils/internal/logging"
	"github.com/dune/merge-utils/internal/merge"
	"github.com/dune/merge-utils/internal/metrics"
	"github.com/dune/merge-utils/internal/rse"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(nil).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command. A nil runner runs real merge tools.
func newRootCmd(runner rse.Runner) *cobra.Command {
	var (
		debug       bool
		metricsFile string
	)
	cmd := &cobra.Command{
		Use:   "do-merge job.json [outdir]",
		Short: "Merge the input files of a job",
		Long: `do-merge reads a job written by merge-utils schedule, merges its inputs with
the job's merge.method (hadd, lar or tar) and writes the output file plus
<output>.json with its size and adler32 checksum.`,
		Version:       version,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := zapcore.InfoLevel
			if debug {
				level = zapcore.DebugLevel
			}
			log, err := logging.NewLogger(&logging.Config{Level: level, Format: "console", Name: "do-merge"})
			if err != nil {
				return err
			}
			defer log.Close()
			if id := os.Getenv("MERGE_RUN_ID"); id != "" {
				log = log.With(zap.String("run.id", id))
			}

			outDir := "."
			if len(args) > 1 {
				outDir = args[1]
			}
			m := metrics.New()
			if err := runJob(cmd.Context(), args[0], outDir, runner, log.Underlying(), m, cmd.OutOrStdout()); err != nil {
				log.Underlying().Error(err.Error())
				return err
			}
			return m.WriteFile(metricsFile)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "print debug messages")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file")
	return cmd
}

// runJob merges one job and prints the output path.
func runJob(ctx context.Context, jobFile, outDir string, runner rse.Runner, logger *zap.Logger, m *metrics.Metrics, out io.Writer) error {
	job, err := merge.ReadJob(jobFile)
	if err != nil {
		return err
	}
	path, err := merge.New(runner, logger, m).Run(ctx, job, outDir)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, path)
	return nil
}
