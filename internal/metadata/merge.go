package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dune/merge-utils/internal/config"
	"github.com/dune/merge-utils/internal/inputs"
	"github.com/dune/merge-utils/internal/logging"
	"github.com/dune/merge-utils/internal/mergeset"
)

// Merge modes for merging.metadata.modes.
const (
	ModeUnique   = "unique"
	ModeAll      = "all"
	ModeMin      = "min"
	ModeMax      = "max"
	ModeSum      = "sum"
	ModeUnion    = "union"
	ModeSkip     = "skip"
	modeOverride = "override"
)

// accumulator combines the values of one key across files.
type accumulator interface {
	add(v any)
	value() any
	valid() bool
}

type uniqueAcc struct {
	v        any
	set      bool
	conflict bool
}

func (a *uniqueAcc) add(v any) {
	if !a.set {
		a.v, a.set = v, true
	} else if !equal(a.v, v) {
		a.conflict = true
	}
}
func (a *uniqueAcc) value() any  { return a.v }
func (a *uniqueAcc) valid() bool { return a.set && !a.conflict && a.v != nil }

type allAcc struct {
	seen map[string]struct{}
	vals []any
}

func (a *allAcc) add(v any) {
	k := key(v)
	if _, ok := a.seen[k]; ok {
		return
	}
	a.seen[k] = struct{}{}
	a.vals = append(a.vals, v)
}
func (a *allAcc) value() any {
	if len(a.vals) == 1 {
		return a.vals[0]
	}
	return a.vals
}
func (a *allAcc) valid() bool { return len(a.vals) > 0 }

type extremeAcc struct {
	v   any
	max bool
}

func (a *extremeAcc) add(v any) {
	if a.v == nil {
		if _, ok := less(v, v); ok {
			a.v = v
		}
		return
	}
	var better, ok bool
	if a.max {
		better, ok = less(a.v, v)
	} else {
		better, ok = less(v, a.v)
	}
	if ok && better {
		a.v = v
	}
}
func (a *extremeAcc) value() any  { return a.v }
func (a *extremeAcc) valid() bool { return a.v != nil }

type sumAcc struct{ total float64 }

func (a *sumAcc) add(v any) {
	if n, ok := number(v); ok {
		a.total += n
	}
}
func (a *sumAcc) value() any  { return a.total }
func (a *sumAcc) valid() bool { return a.total != 0 }

type unionAcc struct{ allAcc }

func (a *unionAcc) add(v any) {
	list, ok := v.([]any)
	if !ok {
		a.allAcc.add(v)
		return
	}
	for _, item := range list {
		a.allAcc.add(item)
	}
}
func (a *unionAcc) value() any { return a.vals }

type overrideAcc struct{ v any }

func (a *overrideAcc) add(any)      {}
func (a *overrideAcc) value() any  { return a.v }
func (a *overrideAcc) valid() bool { return a.v != nil }

func newAccumulator(mode string) accumulator {
	switch mode {
	case ModeUnique:
		return &uniqueAcc{}
	case ModeAll:
		return &allAcc{seen: map[string]struct{}{}}
	case ModeMin:
		return &extremeAcc{}
	case ModeMax:
		return &extremeAcc{max: true}
	case ModeSum:
		return &sumAcc{}
	case ModeUnion:
		return &unionAcc{allAcc{seen: map[string]struct{}{}}}
	default:
		// skip and unknown modes drop the key
		return &overrideAcc{}
	}
}

// Merger combines the metadata of a chunk of files into the metadata of the
// merged output.
type Merger struct {
	merging   config.MergingConfig
	output    config.OutputConfig
	validator *Validator
	logger    *zap.Logger
}

// NewMerger creates a Merger. The validator checks the merged result.
func NewMerger(cfg *config.Config, validator *Validator, logger *zap.Logger) *Merger {
	return &Merger{
		merging:   cfg.Merging,
		output:    cfg.Output,
		validator: validator,
		logger:    logging.OrNop(logger),
	}
}

// Merge merges the metadata of files. Keys follow their configured mode,
// others the default mode. Overrides replace values outright.
func (m *Merger) Merge(files []*mergeset.File) (map[string]any, error) {
	accs := make(map[string]accumulator)
	modes := make(map[string]string)
	for k, mode := range m.merging.Metadata.Modes {
		accs[k] = newAccumulator(mode)
		modes[k] = mode
	}
	for k, v := range m.merging.Metadata.Overrides {
		accs[k] = &overrideAcc{v: v}
		modes[k] = modeOverride
	}

	for _, f := range files {
		for k, v := range f.Metadata {
			acc, ok := accs[k]
			if !ok {
				acc = newAccumulator(m.merging.Metadata.Default)
				accs[k] = acc
				modes[k] = m.merging.Metadata.Default
			}
			acc.add(v)
		}
	}

	var conflicts []string
	md := make(map[string]any, len(accs))
	for k, acc := range accs {
		if u, ok := acc.(*uniqueAcc); ok && u.conflict {
			conflicts = append(conflicts, k)
		}
		if acc.valid() {
			md[k] = acc.value()
		}
	}
	logging.List(m.logger, zapcore.WarnLevel, "Omitting {n} inconsistent metadata key{s}:", conflicts)

	ok, err := m.validator.Validate("output", md, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.logger.Error("Merged metadata is invalid, cannot continue!")
		return nil, fmt.Errorf("%w: merged metadata", ErrInvalid)
	}
	return md, nil
}

// Parents lists the provenance parents of the merged file: the inputs
// themselves, or their parents when output.grandparents is set.
func (m *Merger) Parents(files []*mergeset.File) []mergeset.Parent {
	if !m.output.Grandparents {
		m.logger.Debug("Listing direct parents")
		out := make([]mergeset.Parent, 0, len(files))
		for _, f := range files {
			out = append(out, mergeset.Parent{FID: f.FID, Namespace: f.Namespace(), Name: f.Name()})
		}
		sort.Slice(out, func(i, j int) bool { return parentLess(out[i], out[j]) })
		return out
	}

	m.logger.Debug("Listing grandparents instead of direct parents")
	seen := make(map[mergeset.Parent]struct{})
	var out []mergeset.Parent
	for _, f := range files {
		for _, p := range f.Parents {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return parentLess(out[i], out[j]) })
	return out
}

func parentLess(a, b mergeset.Parent) bool {
	if a.Namespace != b.Namespace {
		return a.Namespace < b.Namespace
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.FID < b.FID
}

var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

// MakeName builds the merged file name from output.name. Each {key}
// placeholder takes the metadata value cut at its first '.', then
// abbreviated through output.abbreviations. {timestamp} is the run time.
// A key missing from the metadata renders as its last dotted component.
// tag, when set, keeps names of chunks created in the same second apart.
func (m *Merger) MakeName(md map[string]any, now time.Time, tag string) string {
	ts := inputs.Timestamp(now)
	name := placeholder.ReplaceAllStringFunc(m.output.Name, func(match string) string {
		k := match[1 : len(match)-1]
		if k == "timestamp" {
			return ts
		}
		if _, ok := md[k]; !ok {
			return k[strings.LastIndex(k, ".")+1:]
		}
		val, _, _ := strings.Cut(mergeset.Value(md, k), ".")
		if abbr, ok := m.output.Abbreviations[k][val]; ok {
			return abbr
		}
		return val
	})

	ext := m.merging.Methods[m.merging.Method].Ext
	if tag != "" {
		return fmt.Sprintf("%s_merged_%s_%s%s", name, ts, tag, ext)
	}
	return fmt.Sprintf("%s_merged_%s%s", name, ts, ext)
}

// Job describes the merge of chunk. inputs overrides the chunk's file paths,
// as for a tier-2 chunk reading tier-1 outputs.
func (m *Merger) Job(chunk *mergeset.Chunk, inputs []string, now time.Time) (*mergeset.Job, error) {
	md, err := m.Merge(chunk.Files)
	if err != nil {
		return nil, err
	}
	md["merge.method"] = m.merging.Method
	if cfg := m.merging.Methods[m.merging.Method].Cfg; cfg != "" {
		md["merge.cfg"] = cfg
	}
	if inputs == nil {
		inputs = chunk.Paths()
	}

	tag := chunkTag(chunk)
	return &mergeset.Job{
		Name:      m.MakeName(md, now, tag),
		Namespace: m.output.Namespace,
		Site:      chunk.Site,
		Tier:      chunk.Tier,
		Inputs:    inputs,
		Metadata:  md,
		Parents:   m.Parents(chunk.Files),
	}, nil
}

// chunkTag is the first 8 hex digits of the sha256 of the chunk's sorted
// DIDs joined by '/'.
func chunkTag(chunk *mergeset.Chunk) string {
	dids := make([]string, len(chunk.Files))
	for i, f := range chunk.Files {
		dids[i] = f.DID
	}
	sort.Strings(dids)
	sum := sha256.Sum256([]byte(strings.Join(dids, "/")))
	return hex.EncodeToString(sum[:])[:8]
}
