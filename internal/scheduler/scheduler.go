// Package scheduler turns merge chunks into justIN workflows.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dune/merge-utils/internal/config"
	"github.com/dune/merge-utils/internal/inputs"
	"github.com/dune/merge-utils/internal/logging"
	"github.com/dune/merge-utils/internal/merge"
	"github.com/dune/merge-utils/internal/mergeset"
	"github.com/dune/merge-utils/internal/metrics"
	"github.com/dune/merge-utils/internal/rse"
)

// ErrUpload is returned when the job configuration cannot be uploaded.
var ErrUpload = errors.New("failed to upload configuration files")

// JobBuilder describes the merge job of a chunk.
type JobBuilder interface {
	Job(chunk *mergeset.Chunk, inputs []string, now time.Time) (*mergeset.Job, error)
}

// Uploader publishes a configuration tarball and returns where workers
// find it.
type Uploader interface {
	Upload(ctx context.Context, tarball string) (string, error)
}

// CVMFSUploader uploads with justin-cvmfs-upload.
type CVMFSUploader struct {
	Runner rse.Runner
	Cmd    string
}

// Upload implements Uploader.
func (u CVMFSUploader) Upload(ctx context.Context, tarball string) (string, error) {
	runner := u.Runner
	if runner == nil {
		runner = rse.ExecRunner{}
	}
	cmd := u.Cmd
	if cmd == "" {
		cmd = "justin-cvmfs-upload"
	}
	res, err := runner.Run(ctx, cmd, tarball)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%w: %s", ErrUpload, strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// JustIN writes chunk job files and submission scripts for justIN.
type JustIN struct {
	cfg      config.JustINConfig
	builder  JobBuilder
	uploader Uploader
	dir      string
	extra    []string
	now      time.Time
	runID    string
	metrics  *metrics.Metrics
	logger   *zap.Logger

	pass [3]map[string][]string
	// outputs maps tier-1 chunks to their output names.
	outputs  map[*mergeset.Chunk]string
	cvmfsDir string
}

// Option customizes a JustIN scheduler.
type Option func(*JustIN)

// WithFiles adds files, such as a lar configuration, to the uploaded tarball.
func WithFiles(paths ...string) Option {
	return func(j *JustIN) { j.extra = append(j.extra, paths...) }
}

// WithMetrics counts written chunks.
func WithMetrics(m *metrics.Metrics) Option {
	return func(j *JustIN) { j.metrics = m }
}

// WithRunID sets the run ID passed to the jobs. A random one is used
// otherwise.
func WithRunID(id string) Option {
	return func(j *JustIN) { j.runID = id }
}

// WithClock fixes the time used for the output directory and file names.
func WithClock(now time.Time) Option {
	return func(j *JustIN) { j.now = now }
}

// New creates a scheduler writing to <tmpDir>/<timestamp>.
func New(cfg config.JustINConfig, tmpDir string, builder JobBuilder, uploader Uploader, logger *zap.Logger, opts ...Option) *JustIN {
	j := &JustIN{
		cfg:      cfg,
		builder:  builder,
		uploader: uploader,
		now:      time.Now(),
		logger:   logging.OrNop(logger),
		outputs:  make(map[*mergeset.Chunk]string),
	}
	for i := range j.pass {
		j.pass[i] = make(map[string][]string)
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.runID == "" {
		j.runID = uuid.NewString()
	}
	if tmpDir == "" {
		tmpDir = filepath.Join(os.TempDir(), "merge-utils")
	}
	j.dir = filepath.Join(tmpDir, inputs.Timestamp(j.now))
	return j
}

// Dir returns the output directory.
func (j *JustIN) Dir() string {
	return j.dir
}

// Jobs returns the job files written for a pass, by site.
func (j *JustIN) Jobs(tier int) map[string][]string {
	if tier < 1 || tier > 2 {
		return nil
	}
	return j.pass[tier]
}

// jobName returns the path of the next job file of a pass and site.
func (j *JustIN) jobName(tier int, site string) (string, error) {
	if tier < 1 || tier > 2 {
		return "", fmt.Errorf("tier must be 1 or 2, got %d", tier)
	}
	idx := len(j.pass[tier][site]) + 1
	name := fmt.Sprintf("pass%d_%06d.json", tier, idx)
	if site != "" {
		name = fmt.Sprintf("pass%d_%s_%06d.json", tier, site, idx)
	}
	path := filepath.Join(j.dir, name)
	j.pass[tier][site] = append(j.pass[tier][site], path)
	return path, nil
}

// WriteChunks writes one job file per chunk. Sub-chunks must come before
// the tier-2 chunk that combines them.
func (j *JustIN) WriteChunks(chunks []*mergeset.Chunk) error {
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	for _, chunk := range chunks {
		var in []string
		if chunk.Tier == 2 {
			for _, sub := range chunk.Chunks {
				name, ok := j.outputs[sub]
				if !ok {
					return fmt.Errorf("tier-2 chunk for site %q precedes its pass-1 chunks", chunk.Site)
				}
				in = append(in, name)
			}
		}

		job, err := j.builder.Job(chunk, in, j.now)
		if err != nil {
			return err
		}
		if chunk.Tier == 1 {
			j.outputs[chunk] = job.Name
		}

		path, err := j.jobName(chunk.Tier, chunk.Site)
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return fmt.Errorf("failed to write job: %w", err)
		}
		j.metrics.RecordChunk(chunk.Tier)
		j.logger.Debug("Wrote job", zap.String("path", path), zap.Int("files", chunk.Len()))
	}
	return nil
}

// Upload packs the job files and extra files into config.tar and uploads it.
func (j *JustIN) Upload(ctx context.Context) error {
	var files []string
	for tier := 1; tier <= 2; tier++ {
		for _, site := range sortedSites(j.pass[tier]) {
			files = append(files, j.pass[tier][site]...)
		}
	}
	files = append(files, j.extra...)

	tarball := filepath.Join(j.dir, "config.tar")
	if err := merge.Archive(tarball, files, false); err != nil {
		return err
	}
	dir, err := j.uploader.Upload(ctx, tarball)
	if err != nil {
		j.logger.Error(err.Error())
		return err
	}
	j.cvmfsDir = dir
	j.logger.Info("Uploaded configuration files to " + dir)
	return nil
}

// Command returns the justIN command submitting the jobs of a pass and site.
func (j *JustIN) Command(tier int, site string) ([]string, error) {
	if tier < 1 || tier > 2 {
		return nil, fmt.Errorf("tier must be 1 or 2, got %d", tier)
	}
	jobs := j.pass[tier][site]
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no jobs found for pass %d and site %q", tier, site)
	}
	prefix := fmt.Sprintf("pass%d", tier)
	if site != "" {
		prefix += "_" + site
	}
	cmd := []string{
		"justin", "simple-workflow",
		"--monte-carlo", strconv.Itoa(len(jobs)),
		"--jobscript", j.cfg.Jobscript,
		"--env", fmt.Sprintf("MERGE_CONFIG=%q", prefix),
		"--env", fmt.Sprintf("CONFIG_DIR=%q", j.cvmfsDir),
		"--env", fmt.Sprintf("MERGE_RUN_ID=%q", j.runID),
	}
	if site != "" {
		cmd = append(cmd, "--site", site)
	}
	cmd = append(cmd,
		"--scope", j.cfg.Scope,
		"--output-pattern", "'"+j.cfg.OutputPattern+"'",
		"--lifetime-days", strconv.Itoa(j.cfg.LifetimeDays),
	)
	return cmd, nil
}

// writeScript writes pass<tier>.sh with one command per site.
func (j *JustIN) writeScript(tier int) error {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "# This script will submit the JustIN jobs for pass %d\n", tier)
	for _, site := range sortedSites(j.pass[tier]) {
		cmd, err := j.Command(tier, site)
		if err != nil {
			return err
		}
		b.WriteString(strings.Join(cmd, " "))
		b.WriteString("\n")
	}
	path := filepath.Join(j.dir, fmt.Sprintf("pass%d.sh", tier))
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Run writes the jobs for chunks, uploads them and writes the submission
// scripts. With nothing to merge it only warns.
func (j *JustIN) Run(ctx context.Context, chunks []*mergeset.Chunk) error {
	if err := j.WriteChunks(chunks); err != nil {
		return err
	}
	if len(j.pass[1]) == 0 {
		j.logger.Warn("No files to merge")
		return nil
	}
	if err := j.Upload(ctx); err != nil {
		return err
	}
	if err := j.writeScript(1); err != nil {
		return err
	}
	if len(j.pass[2]) > 0 {
		if err := j.writeScript(2); err != nil {
			return err
		}
	}
	j.logger.Info("JustIN job scripts written to " + j.dir)
	return nil
}

func sortedSites(m map[string][]string) []string {
	sites := make([]string, 0, len(m))
	for site := range m {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}
