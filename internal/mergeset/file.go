// Package mergeset tracks the set of files that will be merged together.
package mergeset

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ChecksumAdler32 is the checksum algorithm used across DUNE data management.
const ChecksumAdler32 = "adler32"

// Parent identifies a provenance parent of a file.
type Parent struct {
	FID       string `json:"fid"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Record is a file as returned by a metadata source.
type Record struct {
	Namespace string            `json:"namespace"`
	Name      string            `json:"name"`
	FID       string            `json:"fid"`
	Size      int64             `json:"size"`
	Checksums map[string]string `json:"checksums"`
	Metadata  map[string]any    `json:"metadata"`
	Parents   []Parent          `json:"parents"`
}

// DID returns namespace:name.
func (r Record) DID() string {
	return r.Namespace + ":" + r.Name
}

// File is a logical data file with metadata.
type File struct {
	DID       string
	FID       string
	Size      int64
	Checksums map[string]string
	Metadata  map[string]any
	Parents   []Parent

	// Count is the number of times the file was seen in the inputs.
	Count int
	// Paths holds candidate replicas by RSE.
	Paths map[string]string
	// Path is the replica chosen for merging.
	Path string
	// Site is the merging site the file was assigned to.
	Site string
}

// NewFile builds a File from a source record.
func NewFile(rec Record, logger *zap.Logger) (*File, error) {
	if rec.Namespace == "" || rec.Name == "" {
		return nil, fmt.Errorf("file record needs namespace and name, got %q", rec.DID())
	}
	f := &File{
		DID:       rec.DID(),
		FID:       rec.FID,
		Size:      rec.Size,
		Checksums: rec.Checksums,
		Metadata:  rec.Metadata,
		Parents:   rec.Parents,
	}
	if f.Checksums == nil {
		f.Checksums = map[string]string{}
	}
	if f.Metadata == nil {
		f.Metadata = map[string]any{}
	}
	if logger != nil {
		if len(f.Checksums) == 0 {
			logger.Warn("No checksums for file", zap.String("did", f.DID))
		} else if _, ok := f.Checksums[ChecksumAdler32]; !ok {
			logger.Warn("No adler32 checksum for file", zap.String("did", f.DID))
		}
	}
	return f, nil
}

// Namespace returns the part of the DID before the first ':'.
func (f *File) Namespace() string {
	ns, _, _ := strings.Cut(f.DID, ":")
	return ns
}

// Name returns the part of the DID after the first ':'.
func (f *File) Name() string {
	_, name, _ := strings.Cut(f.DID, ":")
	return name
}

// Format returns core.file_format.
func (f *File) Format() string {
	return Value(f.Metadata, "core.file_format")
}

func (f *File) String() string {
	return f.DID
}

// Fields returns the namespace followed by the string form of each metadata
// field, "" when absent.
func (f *File) Fields(fields []string) []string {
	values := make([]string, 0, len(fields)+1)
	values = append(values, f.Namespace())
	for _, field := range fields {
		values = append(values, Value(f.Metadata, field))
	}
	return values
}

// Value renders a metadata value as a string, "" when absent.
func Value(md map[string]any, key string) string {
	v, ok := md[key]
	if !ok || v == nil {
		return ""
	}
	return format(v)
}

// format renders numbers without exponents, so 1234567 stays 1234567.
func format(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case []any:
		items := make([]string, len(v))
		for i, item := range v {
			items[i] = format(item)
		}
		return "[" + strings.Join(items, " ") + "]"
	default:
		return fmt.Sprint(v)
	}
}

// SortFiles sorts files by DID.
func SortFiles(files []*File) {
	sort.Slice(files, func(i, j int) bool { return files[i].DID < files[j].DID })
}

var (
	// ErrDuplicate is returned for a repeated DID when duplicates are not allowed.
	ErrDuplicate = errors.New("duplicate file")
	// ErrInconsistent is returned when a file's checked fields differ from the set.
	ErrInconsistent = errors.New("inconsistent metadata")
)
