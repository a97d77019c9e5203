// Package main implements the merge-utils CLI, which prepares merges of DUNE
// data files.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dune/merge-utils/internal/config"
	"github.com/dune/merge-utils/internal/logging"
	"github.com/dune/merge-utils/internal/metrics"
	"github.com/dune/merge-utils/internal/telemetry"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// run executes one command line, writing results to stdout.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	root, a := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	err := root.ExecuteContext(ctx)
	if err != nil {
		a.fail(err)
	}
	a.close(context.Background())
	return err
}

// globalFlags are the flags shared by every command.
type globalFlags struct {
	configs     []string
	debug       bool
	logFile     string
	metricsFile string
}

// app is the state of one invocation, set up before a command runs.
type app struct {
	cfg       *config.Config
	log       *logging.Logger
	metrics   *metrics.Metrics
	telemetry *telemetry.Telemetry
	runID     string
	flags     *globalFlags
}

// Logger returns the zap logger tagged with the run ID.
func (a *app) Logger() *zap.Logger {
	return a.log.Underlying()
}

func newRootCmd() (*cobra.Command, *app) {
	flags := &globalFlags{}
	a := &app{flags: flags}

	root := &cobra.Command{
		Use:   "merge-utils",
		Short: "Prepare merges of DUNE data files",
		Long: `merge-utils collects DUNE data files from MetaCat and Rucio or the local
filesystem, validates their metadata, picks a merging site for each file and
writes justIN merge jobs.

Examples:
  # List the files matched by a MetaCat query
  merge-utils list-dids -q "files from dune:all limit 10"

  # Schedule the merge of a list of files
  merge-utils --config my-merge.yaml schedule -f dids.txt`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringArrayVarP(&flags.configs, "config", "c", nil, "config file (repeatable, later files override earlier ones)")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "print debug messages")
	root.PersistentFlags().StringVarP(&flags.logFile, "log-file", "l", "", "append a JSON log to this file")
	root.PersistentFlags().StringVar(&flags.metricsFile, "metrics-file", "", "write Prometheus metrics to this file at exit")

	root.AddCommand(
		newListDIDsCmd(a),
		newListPFNsCmd(a),
		newValidateCmd(a),
		newLocalCmd(a),
		newScheduleCmd(a),
		newCheckFilesCmd(a),
		newListValuesCmd(a),
	)
	return root, a
}

// setup loads the configuration and starts logging, metrics and tracing.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.flags.configs...)
	if err != nil {
		return err
	}
	if a.flags.logFile != "" {
		cfg.Logging.File = a.flags.logFile
	}

	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if a.flags.debug {
		level = zapcore.DebugLevel
	}
	log, err := logging.NewLogger(&logging.Config{
		Level:  level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		Name:   cmd.CommandPath(),
	})
	if err != nil {
		return err
	}

	a.runID = uuid.NewString()
	a.cfg = cfg
	a.log = log.With(zap.String("run.id", a.runID))
	a.metrics = metrics.New()
	a.telemetry = telemetry.New(cmd.Context(), cfg.Telemetry, version, a.Logger())

	ctx := logging.WithRunID(cmd.Context(), a.runID)
	cmd.SetContext(logging.WithLogger(ctx, a.log))
	return nil
}

// close flushes traces, writes the metrics file and closes the log.
func (a *app) close(ctx context.Context) {
	if a.log == nil {
		return
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.Logger().Warn("Failed to flush traces", zap.Error(err))
	}
	if err := a.metrics.WriteFile(a.flags.metricsFile); err != nil {
		a.Logger().Warn(err.Error())
	}
	_ = a.log.Close()
	a.log = nil
}

// fail reports err in the log, or on stderr before the log exists.
func (a *app) fail(err error) {
	if a.log != nil {
		a.Logger().Error(err.Error())
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
}
