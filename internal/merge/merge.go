// Package merge runs a merge job on the worker node and describes its
// output.
package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dune/merge-utils/internal/logging"
	"github.com/dune/merge-utils/internal/mergeset"
	"github.com/dune/merge-utils/internal/metrics"
	"github.com/dune/merge-utils/internal/rse"
)

const instrumentationName = "github.com/dune/merge-utils/internal/merge"

// Metadata keys set by the scheduler.
const (
	KeyMethod = "merge.method"
	KeyCfg    = "merge.cfg"
)

var (
	// ErrUnsupported is returned for merge methods this tool cannot run.
	ErrUnsupported = errors.New("unsupported merge method")
	// ErrCommand is returned when an external merge command fails.
	ErrCommand = errors.New("merge command failed")
)

// Merger runs merge jobs.
type Merger struct {
	runner  rse.Runner
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a Merger. A nil runner runs real commands.
func New(runner rse.Runner, logger *zap.Logger, m *metrics.Metrics) *Merger {
	if runner == nil {
		runner = rse.ExecRunner{}
	}
	return &Merger{runner: runner, metrics: m, logger: logging.OrNop(logger)}
}

// ReadJob reads a job description written by the scheduler.
func ReadJob(path string) (*mergeset.Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}
	var job mergeset.Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job %s: %w", path, err)
	}
	return &job, nil
}

// Run merges the job's inputs into outDir/<job name> and writes the output
// description next to it as <output>.json. It returns the output path.
func (m *Merger) Run(ctx context.Context, job *mergeset.Job, outDir string) (string, error) {
	method, _ := job.Metadata[KeyMethod].(string)
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "merge.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("merge.method", method),
		attribute.Int("merge.inputs", len(job.Inputs)),
	)

	output := filepath.Join(outDir, job.Name)
	if err := m.merge(ctx, method, output, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	info, err := os.Stat(output)
	if err != nil {
		return "", fmt.Errorf("merge produced no output: %w", err)
	}
	csum, err := Adler32File(output)
	if err != nil {
		return "", err
	}

	out := *job
	out.Inputs = nil
	out.Size = info.Size()
	out.Checksums = map[string]string{mergeset.ChecksumAdler32: csum}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal output metadata: %w", err)
	}
	if err := os.WriteFile(output+".json", b, 0o644); err != nil {
		return "", fmt.Errorf("failed to write output metadata: %w", err)
	}

	m.metrics.RecordMerged(method, out.Size)
	span.SetAttributes(attribute.Int64("merge.output_size", out.Size))
	m.logger.Info("Merged files",
		zap.String("output", output),
		zap.Int("inputs", len(job.Inputs)),
		zap.Int64("size", out.Size),
		zap.String("adler32", csum),
	)
	return output, nil
}

func (m *Merger) merge(ctx context.Context, method, output string, job *mergeset.Job) error {
	switch method {
	case "hadd":
		return m.command(ctx, "hadd", append([]string{"-v", "0", "-f", output}, job.Inputs...))
	case "lar":
		cfg, _ := job.Metadata[KeyCfg].(string)
		if cfg == "" {
			return fmt.Errorf("lar merge needs %s in the job metadata", KeyCfg)
		}
		return m.command(ctx, "lar", append([]string{"-c", cfg, "-o", output}, job.Inputs...))
	case "tar":
		return Archive(output, job.Inputs, true)
	case "":
		return fmt.Errorf("job %s has no %s", job.Name, KeyMethod)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, method)
	}
}

func (m *Merger) command(ctx context.Context, name string, args []string) error {
	m.logger.Info("Running command:\n" + name + " " + strings.Join(args, " "))
	res, err := m.runner.Run(ctx, name, args...)
	if err != nil {
		return err
	}
	if res.Stdout != "" {
		m.logger.Debug(res.Stdout)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s exited with %d: %s", ErrCommand, name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
