package retriever

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/dune/merge-utils/internal/config"
	"github.com/dune/merge-utils/internal/logging"
	"github.com/dune/merge-utils/internal/mergeset"
	"github.com/dune/merge-utils/internal/metadata"
	"github.com/dune/merge-utils/internal/metrics"
)

type fakeSource struct {
	batches    []Batch
	connectErr error
	connected  bool
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Connect(context.Context) error {
	s.connected = true
	return s.connectErr
}

func (s *fakeSource) Batches(ctx context.Context, emit func(context.Context, Batch) error) error {
	for _, b := range s.batches {
		if err := emit(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func record(name string, md map[string]any) mergeset.Record {
	if md == nil {
		md = map[string]any{"core.file_type": "detector"}
	}
	return mergeset.Record{
		Namespace: "ns",
		Name:      name,
		FID:       "fid-" + name,
		Size:      10,
		Checksums: map[string]string{"adler32": "00000001"},
		Metadata:  md,
	}
}

func testConfig() config.ValidationConfig {
	return config.ValidationConfig{
		AllowDuplicates: true,
		MetadataFields:  []string{"core.file_type"},
		Skip:            config.SkipConfig{Invalid: true},
		Required:        []string{"core.file_type"},
		Restricted:      map[string][]any{"core.file_type": {"detector"}},
	}
}

func newRetriever(t *testing.T, src Source, cfg config.ValidationConfig, opts ...Option) (*Retriever, *logging.TestLogger) {
	t.Helper()
	logger := logging.NewTestLogger()
	v, err := metadata.NewValidator(cfg, logger.Underlying())
	require.NoError(t, err)
	return New(src, cfg, v, logger.Underlying(), opts...), logger
}

func TestRetriever_Run(t *testing.T) {
	src := &fakeSource{batches: []Batch{
		{Index: 0, Records: []mergeset.Record{record("a", nil), record("b", nil)}, Requested: []string{"ns:a", "ns:b"}},
		{Index: 1, Records: []mergeset.Record{record("a", nil), record("c", nil)}},
	}}
	m := metrics.New()
	r, logger := newRetriever(t, src, testConfig(), WithMetrics(m))

	require.NoError(t, r.Run(context.Background()))
	assert.True(t, src.connected)
	assert.Equal(t, []string{"ns:a", "ns:b", "ns:c"}, r.Files().DIDs())
	assert.Equal(t, map[string]int{"ns:a": 1}, r.Files().Dupes())
	logger.AssertLogged(t, zapcore.WarnLevel, "Found 1 duplicate file:\n  (1) ns:a")
	logger.AssertLogged(t, zapcore.InfoLevel, "Retrieved 3 files (30 B)")
}

func TestRetriever_Missing(t *testing.T) {
	batch := Batch{Records: []mergeset.Record{record("a", nil)}, Requested: []string{"ns:a", "ns:b"}}

	t.Run("not allowed", func(t *testing.T) {
		r, logger := newRetriever(t, &fakeSource{batches: []Batch{batch}}, testConfig())
		err := r.Run(context.Background())
		assert.ErrorIs(t, err, ErrMissing)
		assert.Equal(t, 0, r.Files().Len())
		logger.AssertLogged(t, zapcore.ErrorLevel, "No metadata found for 1 file:\n  (1) ns:b")
	})

	t.Run("allowed", func(t *testing.T) {
		cfg := testConfig()
		cfg.AllowMissing = true
		r, logger := newRetriever(t, &fakeSource{batches: []Batch{batch}}, cfg)
		require.NoError(t, r.Run(context.Background()))
		assert.Equal(t, map[string]int{"ns:b": 1}, r.Missing())
		assert.Equal(t, 1, r.Files().Len())
		logger.AssertLogged(t, zapcore.WarnLevel, "Missing metadata for 1 file:")
	})
}

func TestRetriever_Invalid(t *testing.T) {
	bad := record("bad", map[string]any{"core.file_type": "mc"})
	src := func() *fakeSource {
		return &fakeSource{batches: []Batch{{Records: []mergeset.Record{record("a", nil), bad}}}}
	}

	t.Run("skipped", func(t *testing.T) {
		r, _ := newRetriever(t, src(), testConfig())
		require.NoError(t, r.Run(context.Background()))
		assert.Equal(t, []string{"ns:a"}, r.Files().DIDs())
		assert.Equal(t, map[string]int{"ns:bad": 1}, r.Invalid())
	})

	t.Run("fatal", func(t *testing.T) {
		cfg := testConfig()
		cfg.Skip.Invalid = false
		r, _ := newRetriever(t, src(), cfg)
		err := r.Run(context.Background())
		assert.ErrorIs(t, err, metadata.ErrInvalid)
		assert.Equal(t, 0, r.Files().Len())
	})
}

func TestRetriever_Inconsistent(t *testing.T) {
	cfg := testConfig()
	cfg.Restricted = nil
	src := &fakeSource{batches: []Batch{{Records: []mergeset.Record{
		record("a", nil),
		record("b", map[string]any{"core.file_type": "mc"}),
	}}}}
	r, _ := newRetriever(t, src, cfg)
	assert.ErrorIs(t, r.Run(context.Background()), mergeset.ErrInconsistent)
}

func TestRetriever_ConnectError(t *testing.T) {
	r, _ := newRetriever(t, &fakeSource{connectErr: errors.New("no route")}, testConfig())
	err := r.Run(context.Background())
	assert.ErrorContains(t, err, "failed to connect to fake")
}

type fakeFinder struct {
	batches  int
	finished bool
	err      error
}

func (f *fakeFinder) Process(_ context.Context, added map[string]*mergeset.File) error {
	f.batches++
	for _, file := range added {
		file.Site = "CERN"
		file.Path = "root://eos/" + file.Name()
	}
	return f.err
}

func (f *fakeFinder) Finish(context.Context, *mergeset.Set) error {
	f.finished = true
	return nil
}

func TestPipeline_Run(t *testing.T) {
	src := &fakeSource{batches: []Batch{
		{Records: []mergeset.Record{record("a", nil)}},
		{Records: []mergeset.Record{record("b", nil)}},
	}}
	r, _ := newRetriever(t, src, testConfig())
	finder := &fakeFinder{}
	p := &Pipeline{Retriever: r, Finder: finder}

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 2, finder.batches)
	assert.True(t, finder.finished)
	f, ok := p.Files().Get("ns:b")
	require.True(t, ok)
	assert.Equal(t, "root://eos/b", f.Path)
}

func TestPipeline_FinderError(t *testing.T) {
	src := &fakeSource{batches: []Batch{{Records: []mergeset.Record{record("a", nil)}}}}
	r, _ := newRetriever(t, src, testConfig())
	p := &Pipeline{Retriever: r, Finder: &fakeFinder{err: errors.New("rucio down")}}

	assert.ErrorContains(t, p.Run(context.Background()), "rucio down")
	assert.Equal(t, 0, p.Files().Len())
}

func TestChunks(t *testing.T) {
	set := mergeset.New(mergeset.Options{}, nil)
	for i := 0; i < 250; i++ {
		f, err := set.Add(record(fmt.Sprintf("f%03d", i), nil))
		require.NoError(t, err)
		f.Site = "CERN"
		f.Path = fmt.Sprintf("root://eos/f%03d", i)
	}
	small, err := set.Add(record("small", nil))
	require.NoError(t, err)
	small.Site = "UK_RAL-Tier1"
	small.Path = "root://ral/small"

	chunks := Chunks(set, 100)
	require.Len(t, chunks, 5)

	for i, want := range []int{84, 84, 82} {
		assert.Equal(t, 1, chunks[i].Tier)
		assert.Equal(t, "CERN", chunks[i].Site)
		assert.Equal(t, want, chunks[i].Len())
	}
	assert.Equal(t, "root://eos/f000", chunks[0].Files[0].Path)
	assert.Equal(t, "root://eos/f249", chunks[2].Files[81].Path)

	tier2 := chunks[3]
	assert.Equal(t, 2, tier2.Tier)
	assert.Equal(t, 250, tier2.Len())
	assert.Equal(t, chunks[:3], tier2.Chunks)

	assert.Equal(t, 1, chunks[4].Tier)
	assert.Equal(t, "UK_RAL-Tier1", chunks[4].Site)
	assert.Equal(t, 1, chunks[4].Len())
}
