package local

import (
	"context"
	"encoding/json"
	"os"

	"go.uber.org/zap"

	"github.com/dune/merge-utils/internal/logging"
	"github.com/dune/merge-utils/internal/mergeset"
	"github.com/dune/merge-utils/internal/retriever"
)

// MetaSource reads file records from local metadata JSON files. It
// implements retriever.Source.
type MetaSource struct {
	inputs    *Inputs
	namespace string
	step      int
	logger    *zap.Logger
}

// NewMetaSource creates a source for the metadata files of inputs. Files
// without metadata are reported missing as namespace:name.
func NewMetaSource(inputs *Inputs, namespace string, step int, logger *zap.Logger) *MetaSource {
	if step <= 0 {
		step = 100
	}
	return &MetaSource{inputs: inputs, namespace: namespace, step: step, logger: logging.OrNop(logger)}
}

// Name implements retriever.Source.
func (s *MetaSource) Name() string {
	return "local"
}

// Connect implements retriever.Source.
func (s *MetaSource) Connect(context.Context) error {
	s.logger.Info("Reading metadata from local files")
	return nil
}

// Batches implements retriever.Source.
func (s *MetaSource) Batches(ctx context.Context, emit func(context.Context, retriever.Batch) error) error {
	batch := retriever.Batch{}
	for _, name := range s.inputs.Names() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok := s.read(name)
		if !ok {
			batch.Requested = append(batch.Requested, s.namespace+":"+name)
			continue
		}
		batch.Records = append(batch.Records, rec)
		batch.Requested = append(batch.Requested, rec.DID())

		if len(batch.Records) >= s.step {
			if err := emit(ctx, batch); err != nil {
				return err
			}
			batch = retriever.Batch{Index: batch.Index + 1}
		}
	}
	if len(batch.Requested) > 0 {
		return emit(ctx, batch)
	}
	return nil
}

func (s *MetaSource) read(name string) (mergeset.Record, bool) {
	var rec mergeset.Record
	path, ok := s.inputs.Meta[name]
	if !ok {
		return rec, false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("Failed to read metadata file", zap.String("path", path), zap.Error(err))
		return rec, false
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		s.logger.Warn("Failed to parse metadata file", zap.String("path", path), zap.Error(err))
		return rec, false
	}
	return rec, true
}
