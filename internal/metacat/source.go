package metacat

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dune/merge-utils/internal/logging"
	"github.com/dune/merge-utils/internal/mergeset"
	"github.com/dune/merge-utils/internal/retriever"
)

// Source retrieves file metadata from MetaCat for a list of DIDs and/or an
// MQL query.
type Source struct {
	client     *Client
	query      string
	dids       []string
	step       int
	provenance bool
	logger     *zap.Logger
}

// NewSource creates a Source. step is the batch size. With provenance the
// parents of each file are fetched too.
func NewSource(client *Client, query string, dids []string, step int, provenance bool, logger *zap.Logger) *Source {
	logger = logging.OrNop(logger)
	if query != "" && len(dids) > 0 {
		logger.Warn("Both query and file list provided, was this intended?")
	}
	if step <= 0 {
		step = 100
	}
	return &Source{
		client:     client,
		query:      query,
		dids:       dids,
		step:       step,
		provenance: provenance,
		logger:     logger,
	}
}

// Name implements retriever.Source.
func (s *Source) Name() string {
	return "metacat"
}

// Connect implements retriever.Source.
func (s *Source) Connect(context.Context) error {
	s.logger.Debug("Connecting to MetaCat")
	return nil
}

type result struct {
	recs []mergeset.Record
	err  error
}

// fetch starts fn in the background.
func fetch(fn func() ([]mergeset.Record, error)) <-chan result {
	ch := make(chan result, 1)
	go func() {
		recs, err := fn()
		ch <- result{recs: recs, err: err}
	}()
	return ch
}

func wait(ctx context.Context, ch <-chan result) ([]mergeset.Record, error) {
	select {
	case r := <-ch:
		return r.recs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Batches implements retriever.Source. The request for the next batch is in
// flight while the previous batch is emitted.
func (s *Source) Batches(ctx context.Context, emit func(context.Context, retriever.Batch) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	idx := 0
	if len(s.dids) > 0 {
		nBatches := (len(s.dids) + s.step - 1) / s.step
		batch := func(i int) []string {
			end := min((i+1)*s.step, len(s.dids))
			return s.dids[i*s.step : end]
		}

		dids := batch(0)
		pending := fetch(func() ([]mergeset.Record, error) { return s.getFiles(ctx, 0, dids) })
		for i := 0; i < nBatches; i++ {
			recs, err := wait(ctx, pending)
			if err != nil {
				return err
			}
			requested := dids
			if i+1 < nBatches {
				next := i + 1
				dids = batch(next)
				nextDIDs := dids
				pending = fetch(func() ([]mergeset.Record, error) { return s.getFiles(ctx, next, nextDIDs) })
			}
			if err := emit(ctx, retriever.Batch{Index: idx, Records: recs, Requested: requested}); err != nil {
				return err
			}
			idx++
		}
	}

	if s.query == "" {
		return nil
	}
	pending := fetch(func() ([]mergeset.Record, error) { return s.runQuery(ctx, 0) })
	for i := 0; ; i++ {
		recs, err := wait(ctx, pending)
		if err != nil {
			return err
		}
		last := len(recs) < s.step
		if !last {
			next := i + 1
			pending = fetch(func() ([]mergeset.Record, error) { return s.runQuery(ctx, next) })
		}
		if len(recs) > 0 {
			if err := emit(ctx, retriever.Batch{Index: idx, Records: recs}); err != nil {
				return err
			}
			idx++
		}
		if last {
			return nil
		}
	}
}

func (s *Source) getFiles(ctx context.Context, idx int, dids []string) ([]mergeset.Record, error) {
	s.logger.Info(fmt.Sprintf("Retrieving files from MetaCat for batch %d", idx))
	s.logger.Debug("Requesting dids:\n  " + strings.Join(dids, "\n  "))
	recs, err := s.client.GetFiles(ctx, dids, s.provenance)
	if err != nil {
		return nil, fmt.Errorf("MetaCat error for batch %d: %w", idx, err)
	}
	return recs, nil
}

func (s *Source) runQuery(ctx context.Context, idx int) ([]mergeset.Record, error) {
	s.logger.Info(fmt.Sprintf("Querying MetaCat for batch %d", idx))
	q := fmt.Sprintf("%s skip %d limit %d", s.query, idx*s.step, s.step)
	s.logger.Debug("Query: " + q)
	recs, err := s.client.Query(ctx, q, s.provenance)
	if err != nil {
		return nil, fmt.Errorf("failed to query MetaCat for batch %d: %w", idx, err)
	}
	return recs, nil
}
