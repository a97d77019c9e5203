package rucio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/dune/merge-utils/internal/logging"
	"github.com/dune/merge-utils/internal/mergeset"
	"github.com/dune/merge-utils/internal/metrics"
	"github.com/dune/merge-utils/internal/rse"
)

const maxConcurrentFiles = 16

// ErrUnreachable is returned when files have no usable replica and
// unreachable files are not skipped.
var ErrUnreachable = errors.New("unreachable files")

// CheckConsistency compares the size and checksum recorded in MetaCat with
// Rucio. adler32 is used when both have it, otherwise the first algorithm
// they share.
func CheckConsistency(file *mergeset.File, rep *Replicas, logger *zap.Logger) bool {
	logger = logging.OrNop(logger)
	if file.Size != rep.Bytes {
		logger.Error(fmt.Sprintf("Size mismatch for %s: %d != %d", file.DID, file.Size, rep.Bytes))
		return false
	}
	if csum, ok := file.Checksums[mergeset.ChecksumAdler32]; ok && rep.Adler32 != "" {
		logger.Debug("Checking adler32 checksum for " + file.DID)
		if csum != rep.Adler32 {
			logger.Error(fmt.Sprintf("Adler32 checksum mismatch for %s: %s != %s", file.DID, csum, rep.Adler32))
			return false
		}
		return true
	}
	logger.Warn("No adler32 checksum for " + file.DID)

	algos := make([]string, 0, len(file.Checksums))
	for algo := range file.Checksums {
		algos = append(algos, algo)
	}
	sort.Strings(algos)
	for _, algo := range algos {
		theirs := rep.Checksum(algo)
		if theirs == "" {
			logger.Debug(fmt.Sprintf("Rucio missing %s checksum for %s", algo, file.DID))
			continue
		}
		if ours := file.Checksums[algo]; ours != theirs {
			logger.Error(fmt.Sprintf("%s checksum mismatch for %s: %s != %s", algo, file.DID, ours, theirs))
			return false
		}
		return true
	}
	logger.Error("No matching checksum for " + file.DID)
	return false
}

// Finder finds replicas of added files through Rucio. It implements
// retriever.PathFinder.
type Finder struct {
	client          *Client
	rses            *rse.Set
	skipUnreachable bool
	metrics         *metrics.Metrics
	logger          *zap.Logger

	mu           sync.Mutex
	found        map[string]*mergeset.File
	noEntry      []string
	inconsistent []string
	inaccessible []string
}

// NewFinder creates a Finder. rses must be connected.
func NewFinder(client *Client, rses *rse.Set, skipUnreachable bool, logger *zap.Logger, m *metrics.Metrics) *Finder {
	return &Finder{
		client:          client,
		rses:            rses,
		skipUnreachable: skipUnreachable,
		metrics:         m,
		logger:          logging.OrNop(logger),
		found:           make(map[string]*mergeset.File),
	}
}

// Process lists the replicas of a batch and records them in the RSE set.
func (f *Finder) Process(ctx context.Context, added map[string]*mergeset.File) error {
	if len(added) == 0 {
		return nil
	}
	dids := make([]string, 0, len(added))
	for did := range added {
		dids = append(dids, did)
	}
	sort.Strings(dids)

	reps, err := f.client.ListReplicas(ctx, dids)
	if err != nil {
		return fmt.Errorf("failed to list replicas: %w", err)
	}

	seen := make(map[string]struct{}, len(reps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFiles)
	for i := range reps {
		rep := &reps[i]
		did := rep.DID()
		file, ok := added[did]
		if !ok {
			f.logger.Warn("Rucio returned unrequested file " + did)
			continue
		}
		seen[did] = struct{}{}
		if !CheckConsistency(file, rep, f.logger) {
			f.record(&f.inconsistent, did)
			continue
		}
		g.Go(func() error {
			_, err := f.rses.AddReplicas(gctx, did, rep.PFNs)
			switch {
			case err == nil:
				file.Paths = f.rses.Paths(did)
				f.mu.Lock()
				f.found[did] = file
				f.mu.Unlock()
			case errors.Is(err, rse.ErrNotFound), errors.Is(err, rse.ErrTooFar):
				f.record(&f.inaccessible, did)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, did := range dids {
		if _, ok := seen[did]; !ok {
			f.record(&f.noEntry, did)
		}
	}
	return nil
}

func (f *Finder) record(list *[]string, did string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*list = append(*list, did)
}

// RSEs returns the RSE set.
func (f *Finder) RSEs() *rse.Set {
	return f.rses
}

// Finish picks the merging site and replica of each file. Files without
// one are marked unreachable.
func (f *Finder) Finish(ctx context.Context, files *mergeset.Set) error {
	if err := f.rses.Cleanup(ctx); err != nil {
		return err
	}

	level := zapcore.WarnLevel
	if !f.skipUnreachable {
		level = zapcore.ErrorLevel
	}
	bad := 0
	bad += logging.List(f.logger, level, "No Rucio entry for {n} file{s}:", f.noEntry)
	bad += logging.List(f.logger, level, "No valid replicas for {n} file{s}:", f.inaccessible)
	bad += logging.List(f.logger, level, "Inconsistent data for {n} file{s}:", f.inconsistent)

	dids := make([]string, 0, len(f.found))
	for did := range f.found {
		dids = append(dids, did)
	}
	sort.Strings(dids)

	best, err := f.rses.BestPFNs(dids)
	if err != nil && !errors.Is(err, rse.ErrTooFar) {
		return err
	}
	if err != nil {
		bad++
	}
	assigned := make(map[string]struct{}, len(dids))
	for site, choices := range best {
		for did, c := range choices {
			file, ok := f.found[did]
			if !ok {
				continue
			}
			file.Site = site
			file.Path = c.PFN
			assigned[did] = struct{}{}
		}
	}

	var unreachable []string
	for _, did := range files.DIDs() {
		if _, ok := assigned[did]; !ok {
			unreachable = append(unreachable, did)
		}
	}
	files.SetUnreachable(unreachable)
	f.metrics.RecordRejected("unreachable", len(unreachable))

	if bad > 0 && !f.skipUnreachable {
		return fmt.Errorf("%w: %s", ErrUnreachable, strings.Join(unreachable, ", "))
	}
	return nil
}
