// Package retriever collects file metadata from a source into a merge set.
package retriever

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dune/merge-utils/internal/config"
	"github.com/dune/merge-utils/internal/logging"
	"github.com/dune/merge-utils/internal/mergeset"
	"github.com/dune/merge-utils/internal/metadata"
	"github.com/dune/merge-utils/internal/metrics"
)

// ErrMissing is returned when requested files have no metadata and missing
// files are not allowed.
var ErrMissing = errors.New("missing file metadata")

// Batch is one group of records from a source.
type Batch struct {
	// Index numbers the batches of one source from 0.
	Index   int
	Records []mergeset.Record
	// Requested lists the DIDs asked for, so missing files can be counted.
	// It is nil for query results.
	Requested []string
}

// Source produces batches of file records.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string
	Connect(ctx context.Context) error
	// Batches calls emit for each batch in order. An emit error stops the
	// source and is returned.
	Batches(ctx context.Context, emit func(context.Context, Batch) error) error
}

// Retriever fills a merge set from a Source.
type Retriever struct {
	source    Source
	cfg       config.ValidationConfig
	validator *metadata.Validator
	files     *mergeset.Set
	missing   map[string]int
	invalid   map[string]int
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// Option customizes a Retriever.
type Option func(*Retriever)

// WithMetrics records batch and file counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

// New creates a Retriever for src.
func New(src Source, cfg config.ValidationConfig, validator *metadata.Validator, logger *zap.Logger, opts ...Option) *Retriever {
	r := &Retriever{
		source:    src,
		cfg:       cfg,
		validator: validator,
		logger:    logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.reset()
	return r
}

func (r *Retriever) reset() {
	r.files = mergeset.New(mergeset.Options{
		AllowDuplicates: r.cfg.AllowDuplicates,
		CheckedFields:   r.cfg.MetadataFields,
	}, r.logger)
	r.missing = make(map[string]int)
	r.invalid = make(map[string]int)
}

// Files returns the merge set.
func (r *Retriever) Files() *mergeset.Set {
	return r.files
}

// Missing returns the requested DIDs that had no metadata, with counts.
func (r *Retriever) Missing() map[string]int {
	return r.missing
}

// Invalid returns the DIDs skipped for invalid metadata.
func (r *Retriever) Invalid() map[string]int {
	return r.invalid
}

// Add validates the records of batch and adds them to the set. It returns
// the newly added files by DID.
func (r *Retriever) Add(ctx context.Context, batch Batch) (map[string]*mergeset.File, error) {
	r.metrics.RecordBatch(r.source.Name())

	if len(batch.Requested) > 0 && len(batch.Records) < len(batch.Requested) {
		found := make(map[string]struct{}, len(batch.Records))
		for _, rec := range batch.Records {
			found[rec.DID()] = struct{}{}
		}
		n := 0
		for _, did := range batch.Requested {
			if _, ok := found[did]; !ok {
				r.missing[did]++
				n++
			}
		}
		r.metrics.RecordRejected("missing", n)
		if !r.cfg.AllowMissing {
			logging.Counts(r.logger, zapcore.ErrorLevel, "No metadata found for {n} file{s}:", r.missing)
			return nil, ErrMissing
		}
	}

	added := make(map[string]*mergeset.File, len(batch.Records))
	for _, rec := range batch.Records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		did := rec.DID()
		if !r.files.Contains(did) {
			ok, err := r.validator.Validate(did, rec.Metadata, true)
			if err != nil {
				return nil, err
			}
			if !ok {
				if !r.cfg.Skip.Invalid {
					return nil, fmt.Errorf("%w: %s", metadata.ErrInvalid, did)
				}
				r.invalid[did]++
				r.metrics.RecordRejected("invalid", 1)
				continue
			}
		}

		file, err := r.files.Add(rec)
		if err != nil {
			return nil, err
		}
		if file == nil {
			r.metrics.RecordRejected("duplicate", 1)
			continue
		}
		added[did] = file
	}
	r.metrics.RecordAdded(len(added))
	r.logger.Debug("Added batch",
		zap.String("source", r.source.Name()),
		zap.Int("batch", batch.Index),
		zap.Int("added", len(added)),
	)
	return added, nil
}

// Each connects to the source and calls fn with the files added from each
// batch.
func (r *Retriever) Each(ctx context.Context, fn func(context.Context, map[string]*mergeset.File) error) error {
	if err := r.source.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", r.source.Name(), err)
	}
	return r.source.Batches(ctx, func(ctx context.Context, batch Batch) error {
		added, err := r.Add(ctx, batch)
		if err != nil {
			return err
		}
		if fn == nil {
			return nil
		}
		return fn(ctx, added)
	})
}

// Run retrieves all files. On error the set is emptied and the error is
// returned.
func (r *Retriever) Run(ctx context.Context) error {
	if err := r.Each(ctx, nil); err != nil {
		r.fail(err)
		return err
	}
	r.summarize()
	return nil
}

func (r *Retriever) fail(err error) {
	r.logger.Error(err.Error())
	r.reset()
}

func (r *Retriever) summarize() {
	logging.Counts(r.logger, zapcore.WarnLevel, "Missing metadata for {n} file{s}:", r.missing)
	logging.Counts(r.logger, zapcore.WarnLevel, "Skipped {n} file{s} with invalid metadata:", r.invalid)
	logging.Counts(r.logger, zapcore.WarnLevel, "Found {n} duplicate file{s}:", r.files.Dupes())
	r.logger.Info(fmt.Sprintf("Retrieved %d files (%s)", r.files.Len(), r.files.HumanSize()))
}
