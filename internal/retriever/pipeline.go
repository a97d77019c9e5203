package retriever

import (
	"context"
	"math"
	"sort"

	"github.com/dune/merge-utils/internal/mergeset"
)

// PathFinder finds physical paths for the files of a merge set.
type PathFinder interface {
	// Process handles one batch of newly added files.
	Process(ctx context.Context, added map[string]*mergeset.File) error
	// Finish assigns every reachable file a site and path and marks the
	// rest unreachable.
	Finish(ctx context.Context, files *mergeset.Set) error
}

// Pipeline runs a Retriever and feeds each batch to a PathFinder while the
// next batch is being fetched.
type Pipeline struct {
	Retriever *Retriever
	Finder    PathFinder
}

// Run retrieves metadata and paths for all files. On error the set is
// emptied and the error is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	r := p.Retriever
	if err := r.Each(ctx, p.Finder.Process); err != nil {
		r.fail(err)
		return err
	}
	r.summarize()
	if err := p.Finder.Finish(ctx, r.Files()); err != nil {
		r.fail(err)
		return err
	}
	return nil
}

// Files returns the merge set.
func (p *Pipeline) Files() *mergeset.Set {
	return p.Retriever.Files()
}

// Chunks splits the set into merge chunks. Each site group with more than
// chunkMax files is split into tier-1 chunks of about equal length, followed
// by a tier-2 chunk that merges their outputs. Smaller groups are a single
// tier-1 chunk.
func Chunks(files *mergeset.Set, chunkMax int) []*mergeset.Chunk {
	var out []*mergeset.Chunk
	for _, group := range files.Groups() {
		n := group.Len()
		if chunkMax <= 0 || n <= chunkMax {
			out = append(out, group)
			continue
		}

		nChunks := int(math.Ceil(float64(n) / float64(chunkMax)))
		target := float64(n) / float64(nChunks)

		sorted := append([]*mergeset.File(nil), group.Files...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

		chunk := &mergeset.Chunk{Site: group.Site, Tier: 1}
		for _, f := range sorted {
			chunk.Files = append(chunk.Files, f)
			if float64(len(chunk.Files)) >= target {
				group.Chunks = append(group.Chunks, chunk)
				chunk = &mergeset.Chunk{Site: group.Site, Tier: 1}
			}
		}
		if len(chunk.Files) > 0 {
			group.Chunks = append(group.Chunks, chunk)
		}

		group.Tier = 2
		out = append(out, group.Chunks...)
		out = append(out, group)
	}
	return out
}
