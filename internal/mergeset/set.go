package mergeset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/dune/merge-utils/internal/logging"
)

// Options control how a Set accepts files.
type Options struct {
	// AllowDuplicates counts repeated DIDs instead of failing.
	AllowDuplicates bool
	// CheckedFields must match across all files, together with the namespace.
	CheckedFields []string
}

// Set keeps track of the files for one merge. It is not safe for concurrent use.
type Set struct {
	opts        Options
	files       map[string]*File
	reference   []string
	unreachable map[string]struct{}
	logger      *zap.Logger
}

// New creates an empty Set.
func New(opts Options, logger *zap.Logger) *Set {
	return &Set{
		opts:        opts,
		files:       make(map[string]*File),
		unreachable: make(map[string]struct{}),
		logger:      logging.OrNop(logger),
	}
}

// Add adds a record to the set. It returns the new file, or nil for an
// allowed duplicate.
//
// The first file fixes the reference values of the checked fields; every
// later file must match them.
func (s *Set) Add(rec Record) (*File, error) {
	file, err := NewFile(rec, s.logger)
	if err != nil {
		return nil, err
	}
	return s.AddFile(file)
}

// AddFile adds an already built file. See Add.
func (s *Set) AddFile(file *File) (*File, error) {
	did := file.DID

	if existing, ok := s.files[did]; ok {
		if !s.opts.AllowDuplicates {
			return nil, fmt.Errorf("%w %s found in input list", ErrDuplicate, did)
		}
		existing.Count++
		s.logger.Debug("Duped file", zap.String("did", did))
		return nil, nil
	}

	vals := file.Fields(s.opts.CheckedFields)
	if s.reference == nil {
		s.reference = vals
	} else if diff := diffFields(s.opts.CheckedFields, vals, s.reference, "  "); diff != "" {
		msg := fmt.Sprintf("Found inconsistent metadata for file %s:%s", did, diff)
		s.logger.Error(msg)
		return nil, fmt.Errorf("%w: %s", ErrInconsistent, msg)
	}

	file.Count = 1
	s.files[did] = file
	s.logger.Debug("Added file", zap.String("did", did))
	return file, nil
}

// AddAll adds a batch of records and returns the files that were new.
func (s *Set) AddAll(recs []Record) (map[string]*File, error) {
	added := make(map[string]*File, len(recs))
	for _, rec := range recs {
		f, err := s.Add(rec)
		if err != nil {
			return added, err
		}
		if f != nil {
			added[f.DID] = f
		}
	}
	s.logger.Debug("Added unique files", zap.Int("count", len(added)))
	return added, nil
}

// Get returns the file with the given DID.
func (s *Set) Get(did string) (*File, bool) {
	f, ok := s.files[did]
	return f, ok
}

// Contains reports whether the DID is in the set.
func (s *Set) Contains(did string) bool {
	_, ok := s.files[did]
	return ok
}

// Len returns the number of unique files.
func (s *Set) Len() int {
	return len(s.files)
}

// Files returns the files sorted by DID.
func (s *Set) Files() []*File {
	out := make([]*File, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	SortFiles(out)
	return out
}

// DIDs returns the sorted DIDs.
func (s *Set) DIDs() []string {
	dids := make([]string, 0, len(s.files))
	for did := range s.files {
		dids = append(dids, did)
	}
	sort.Strings(dids)
	return dids
}

// Dupes returns how many extra times each duplicated DID was seen.
func (s *Set) Dupes() map[string]int {
	dupes := make(map[string]int)
	for did, f := range s.files {
		if f.Count > 1 {
			dupes[did] = f.Count - 1
		}
	}
	return dupes
}

// Hash identifies the set by its members: sha256 of the sorted DIDs joined by '/'.
func (s *Set) Hash() string {
	sum := sha256.Sum256([]byte(strings.Join(s.DIDs(), "/")))
	return hex.EncodeToString(sum[:])
}

// Size returns the total size of the files in bytes.
func (s *Set) Size() int64 {
	var total int64
	for _, f := range s.files {
		total += f.Size
	}
	return total
}

// HumanSize returns Size formatted for logs.
func (s *Set) HumanSize() string {
	return humanize.Bytes(uint64(s.Size()))
}

// SetUnreachable removes files without a usable physical copy and remembers them.
func (s *Set) SetUnreachable(dids []string) {
	for _, did := range dids {
		delete(s.files, did)
		s.unreachable[did] = struct{}{}
	}
}

// Unreachable returns the sorted DIDs removed by SetUnreachable.
func (s *Set) Unreachable() []string {
	out := make([]string, 0, len(s.unreachable))
	for did := range s.unreachable {
		out = append(out, did)
	}
	sort.Strings(out)
	return out
}

// CheckConsistency reports whether all files share the namespace and the
// values of fields. The most common combination is taken as correct and every
// file that deviates from it is logged.
func (s *Set) CheckConsistency(fields []string) bool {
	ok, _ := s.check(fields, nil)
	return ok
}

// CheckStrict checks loose and strict fields together. looseOK reports
// whether the loose fields alone were consistent.
func (s *Set) CheckStrict(loose, strict []string) (ok, looseOK bool) {
	strictSet := make(map[string]struct{}, len(strict))
	for _, f := range strict {
		strictSet[f] = struct{}{}
	}
	fields := append(append([]string(nil), loose...), strict...)
	return s.check(fields, strictSet)
}

func (s *Set) check(fields []string, strict map[string]struct{}) (ok, looseOK bool) {
	s.logger.Debug("Checking metadata consistency")
	if len(s.files) < 2 {
		return true, true
	}

	files := s.Files()
	counts := make(map[string]int)
	var order []string
	for _, f := range files {
		key := strings.Join(f.Fields(fields), "\x00")
		if counts[key] == 0 {
			order = append(order, key)
		}
		counts[key]++
	}
	if len(counts) == 1 {
		return true, true
	}

	mode := order[0]
	for _, key := range order[1:] {
		if counts[key] > counts[mode] {
			mode = key
		}
	}
	ref := strings.Split(mode, "\x00")

	looseOK = true
	nErrs := len(files) - counts[mode]
	var b strings.Builder
	b.WriteString(logging.Plural("Found {n} file{s} with inconsistent metadata:", nErrs))
	for _, f := range files {
		vals := f.Fields(fields)
		diff := diffFields(fields, vals, ref, "    ")
		if diff == "" {
			continue
		}
		fmt.Fprintf(&b, "\n  %s%s", f.DID, diff)
		if vals[0] != ref[0] {
			looseOK = false
		}
		for i, field := range fields {
			if _, isStrict := strict[field]; !isStrict && vals[i+1] != ref[i+1] {
				looseOK = false
			}
		}
	}
	s.logger.Error(b.String())
	return false, looseOK
}

// diffFields lists every value that differs from the reference.
func diffFields(fields, vals, ref []string, indent string) string {
	var b strings.Builder
	if vals[0] != ref[0] {
		fmt.Fprintf(&b, "\n%snamespace: '%s' != '%s'", indent, vals[0], ref[0])
	}
	for i, field := range fields {
		if vals[i+1] != ref[i+1] {
			fmt.Fprintf(&b, "\n%s%s: '%s' != '%s'", indent, field, vals[i+1], ref[i+1])
		}
	}
	return b.String()
}
