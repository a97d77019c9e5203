package mergeset

import (
	"sort"
)

// Chunk is a group of files merged by one job.
//
// A tier-1 chunk merges input files. A tier-2 chunk merges the outputs of its
// tier-1 sub-chunks; its Files still list every input for metadata purposes.
type Chunk struct {
	Site   string
	Tier   int
	Files  []*File
	Chunks []*Chunk
}

// Len returns the number of input files.
func (c *Chunk) Len() int {
	return len(c.Files)
}

// Size returns the total input size in bytes.
func (c *Chunk) Size() int64 {
	var total int64
	for _, f := range c.Files {
		total += f.Size
	}
	return total
}

// Namespace returns the namespace shared by the chunk's files.
func (c *Chunk) Namespace() string {
	if len(c.Files) == 0 {
		return ""
	}
	return c.Files[0].Namespace()
}

// Paths returns the chosen physical paths of the chunk's files.
func (c *Chunk) Paths() []string {
	paths := make([]string, 0, len(c.Files))
	for _, f := range c.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// Groups partitions the files by merging site, sorted by site name. Files in
// each group are sorted by path.
func (s *Set) Groups() []*Chunk {
	bySite := make(map[string]*Chunk)
	for _, f := range s.Files() {
		g, ok := bySite[f.Site]
		if !ok {
			g = &Chunk{Site: f.Site, Tier: 1}
			bySite[f.Site] = g
		}
		g.Files = append(g.Files, f)
	}

	sites := make([]string, 0, len(bySite))
	for site := range bySite {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	groups := make([]*Chunk, 0, len(sites))
	for _, site := range sites {
		g := bySite[site]
		sort.SliceStable(g.Files, func(i, j int) bool { return g.Files[i].Path < g.Files[j].Path })
		groups = append(groups, g)
	}
	return groups
}

// Job is the description of one merge job, written as JSON for the worker.
type Job struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Site      string            `json:"site,omitempty"`
	Tier      int               `json:"tier"`
	Inputs    []string          `json:"inputs,omitempty"`
	Metadata  map[string]any    `json:"metadata"`
	Parents   []Parent          `json:"parents"`
	Size      int64             `json:"size,omitempty"`
	Checksums map[string]string `json:"checksums,omitempty"`
}
