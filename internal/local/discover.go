// Package local reads merge inputs from the local filesystem: data files,
// their metadata JSON files, or both.
package local

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/dune/merge-utils/internal/logging"
)

const metaExt = ".json"

// Inputs pairs data files with their metadata files by file name.
type Inputs struct {
	// Data and Meta map file names to paths. A name may be missing from
	// either map.
	Data  map[string]string
	Meta  map[string]string
	names map[string]struct{}
}

// Discover sorts files into data and metadata files and looks for the other
// half of each pair, first next to the given file and then in dirs.
func Discover(files, dirs []string, logger *zap.Logger) *Inputs {
	logger = logging.OrNop(logger)
	in := &Inputs{
		Data:  make(map[string]string),
		Meta:  make(map[string]string),
		names: make(map[string]struct{}),
	}
	for _, file := range files {
		base := filepath.Base(file)
		if filepath.Ext(base) == metaExt {
			name := strings.TrimSuffix(base, metaExt)
			in.Meta[name] = file
			in.names[name] = struct{}{}
		} else {
			in.Data[base] = file
			in.names[base] = struct{}{}
		}
	}

	for name := range in.names {
		data, hasData := in.Data[name]
		meta, hasMeta := in.Meta[name]
		switch {
		case !hasData:
			if path := Search(name, append([]string{filepath.Dir(meta)}, dirs...)); path != "" {
				in.Data[name] = path
			}
		case !hasMeta:
			if path := Search(name+metaExt, append([]string{filepath.Dir(data)}, dirs...)); path != "" {
				in.Meta[name] = path
			}
		}
	}

	logger.Debug("Discovered local inputs",
		zap.Int("names", len(in.names)),
		zap.Int("data", len(in.Data)),
		zap.Int("metadata", len(in.Meta)),
	)
	return in
}

// Search returns the first dirs/name that exists, "" if none does.
func Search(name string, dirs []string) string {
	for _, dir := range dirs {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Names returns all file names, sorted.
func (in *Inputs) Names() []string {
	out := make([]string, 0, len(in.names))
	for name := range in.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasData reports whether any data file was found.
func (in *Inputs) HasData() bool {
	return len(in.Data) > 0
}

// HasMeta reports whether any metadata file was found.
func (in *Inputs) HasMeta() bool {
	return len(in.Meta) > 0
}

// DIDs returns namespace:name for every file name.
func (in *Inputs) DIDs(namespace string) []string {
	names := in.Names()
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = namespace + ":" + name
	}
	return out
}
