package local

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dune/merge-utils/internal/logging"
	"github.com/dune/merge-utils/internal/mergeset"
	"github.com/dune/merge-utils/internal/rse"
)

// ErrUnreachable is returned when data files cannot be found and
// unreachable files are not skipped.
var ErrUnreachable = errors.New("unreachable files")

// PathFinder assigns local data paths to files. It implements
// retriever.PathFinder.
type PathFinder struct {
	paths           map[string]string
	dirs            []string
	skipUnreachable bool
	logger          *zap.Logger

	unreachable []string
}

// NewPathFinder creates a PathFinder. paths maps file names to known data
// paths; other files are searched for in dirs.
func NewPathFinder(paths map[string]string, dirs []string, skipUnreachable bool, logger *zap.Logger) *PathFinder {
	known := make(map[string]string, len(paths))
	for k, v := range paths {
		known[k] = v
	}
	return &PathFinder{
		paths:           known,
		dirs:            dirs,
		skipUnreachable: skipUnreachable,
		logger:          logging.OrNop(logger),
	}
}

// Process implements retriever.PathFinder.
func (p *PathFinder) Process(_ context.Context, added map[string]*mergeset.File) error {
	p.logger.Debug("Retrieving physical file paths")
	for did, file := range added {
		name := file.Name()
		path, ok := p.paths[name]
		if ok {
			delete(p.paths, name)
		} else if path = Search(name, p.dirs); path == "" {
			p.unreachable = append(p.unreachable, did)
			continue
		}
		file.Path = XRootPath(path)
	}
	return nil
}

// Finish implements retriever.PathFinder.
func (p *PathFinder) Finish(_ context.Context, files *mergeset.Set) error {
	logger := p.logger
	if !p.skipUnreachable {
		logger = logger.With(zap.Bool("fatal", true))
	}
	sort.Strings(p.unreachable)
	logging.List(logger, zapcore.ErrorLevel, "Failed to locate {n} file path{s}:", p.unreachable)
	files.SetUnreachable(p.unreachable)
	if len(p.unreachable) > 0 && !p.skipUnreachable {
		return fmt.Errorf("%w: %s", ErrUnreachable, strings.Join(p.unreachable, ", "))
	}
	return nil
}

// XRootPath converts a /pnfs path to its FNAL xroot URL. Other paths are
// returned unchanged.
func XRootPath(path string) string {
	if strings.HasPrefix(path, "/pnfs/") {
		return rse.FNALPrefix + strings.TrimPrefix(path, "/pnfs")
	}
	return path
}
