package mergeset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/dune/merge-utils/internal/logging"
)

func fakeRecord(namespace, name string, metadata map[string]any) Record {
	return Record{
		Namespace: namespace,
		Name:      name,
		FID:       "123",
		Size:      456789,
		Checksums: map[string]string{},
		Metadata:  metadata,
	}
}

func TestFile(t *testing.T) {
	file, err := NewFile(fakeRecord("test_namespace", "test_name", map[string]any{
		"checked.field1": "value1",
		"checked.field2": 2,
		"other.field":    "other_value",
	}), nil)
	require.NoError(t, err)

	assert.Equal(t, "test_namespace:test_name", file.DID)
	assert.Equal(t, "test_namespace", file.Namespace())
	assert.Equal(t, "test_name", file.Name())
	assert.Equal(t, int64(456789), file.Size)
	assert.Equal(t, "test_namespace:test_name", file.String())
	assert.Equal(t, []string{"test_namespace", "value1", "2", ""},
		file.Fields([]string{"checked.field1", "checked.field2", "missing.field"}))
}

func TestValue(t *testing.T) {
	var md map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"dune.requestid": 1234567,
		"core.first_event_number": 10000000000,
		"dune.weight": 0.25,
		"core.runs": [1234567, 8],
		"core.run_type": "hd",
		"dune.flag": true
	}`), &md))

	for key, want := range map[string]string{
		"dune.requestid":          "1234567",
		"core.first_event_number": "10000000000",
		"dune.weight":             "0.25",
		"core.runs":               "[1234567 8]",
		"core.run_type":           "hd",
		"dune.flag":               "true",
		"missing":                 "",
	} {
		assert.Equal(t, want, Value(md, key), key)
	}
}

func TestNewFile_WarnsAboutChecksums(t *testing.T) {
	logger := logging.NewTestLogger()

	_, err := NewFile(fakeRecord("ns", "a", nil), logger.Underlying())
	require.NoError(t, err)
	logger.AssertLogged(t, zapcore.WarnLevel, "No checksums")

	rec := fakeRecord("ns", "b", nil)
	rec.Checksums = map[string]string{"md5": "abc"}
	_, err = NewFile(rec, logger.Underlying())
	require.NoError(t, err)
	logger.AssertLogged(t, zapcore.WarnLevel, "No adler32 checksum")

	_, err = NewFile(Record{Name: "x"}, nil)
	assert.Error(t, err)
}

func TestSet_Uniqueness(t *testing.T) {
	set := New(Options{AllowDuplicates: true}, nil)
	for _, name := range []string{"file1", "file2", "file1"} {
		_, err := set.Add(fakeRecord("namespace1", name, nil))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"namespace1:file1", "namespace1:file2"}, set.DIDs())
	assert.Equal(t, map[string]int{"namespace1:file1": 1}, set.Dupes())
	assert.True(t, set.Contains("namespace1:file1"))
	assert.True(t, set.Contains("namespace1:file2"))
	assert.Equal(t, int64(2*456789), set.Size())
}

func TestSet_DuplicatesNotAllowed(t *testing.T) {
	set := New(Options{}, nil)
	_, err := set.Add(fakeRecord("ns", "a", nil))
	require.NoError(t, err)
	_, err = set.Add(fakeRecord("ns", "a", nil))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSet_AddChecksReference(t *testing.T) {
	logger := logging.NewTestLogger()
	set := New(Options{CheckedFields: []string{"core.data_tier"}}, logger.Underlying())

	added, err := set.AddAll([]Record{
		fakeRecord("ns", "a", map[string]any{"core.data_tier": "raw"}),
		fakeRecord("ns", "b", map[string]any{"core.data_tier": "raw", "other": 1}),
	})
	require.NoError(t, err)
	assert.Len(t, added, 2)

	_, err = set.Add(fakeRecord("ns", "c", map[string]any{"core.data_tier": "reco"}))
	assert.ErrorIs(t, err, ErrInconsistent)
	assert.ErrorContains(t, err, "core.data_tier: 'reco' != 'raw'")

	_, err = set.Add(fakeRecord("other", "d", map[string]any{"core.data_tier": "raw"}))
	assert.ErrorContains(t, err, "namespace: 'other' != 'ns'")
	assert.Equal(t, 2, set.Len())
}

func TestSet_Hash(t *testing.T) {
	set := New(Options{}, nil)
	for _, name := range []string{"b", "a"} {
		_, err := set.Add(fakeRecord("ns", name, nil))
		require.NoError(t, err)
	}
	sum := sha256.Sum256([]byte("ns:a/ns:b"))
	assert.Equal(t, hex.EncodeToString(sum[:]), set.Hash())
}

func TestSet_CheckConsistency(t *testing.T) {
	fields := []string{"checked.field1", "checked.field2"}
	logger := logging.NewTestLogger()
	files := New(Options{}, logger.Underlying())
	for i, name := range []string{"file1", "file2", "file3"} {
		_, err := files.Add(fakeRecord("namespace1", name, map[string]any{
			"checked.field1": "value1",
			"checked.field2": "value2",
			"other.field":    i,
		}))
		require.NoError(t, err)
	}
	assert.True(t, files.CheckConsistency(fields))

	f2, _ := files.Get("namespace1:file2")
	f2.Metadata["checked.field1"] = "bad_value"
	assert.False(t, files.CheckConsistency(fields))
	logger.AssertLogged(t, zapcore.ErrorLevel, "Found 1 file with inconsistent metadata:\n  namespace1:file2\n    checked.field1: 'bad_value' != 'value1'")
	assert.False(t, files.CheckConsistency([]string{"checked.field1"}))
	assert.True(t, files.CheckConsistency([]string{"checked.field2"}))
	f2.Metadata["checked.field1"] = "value1"
	assert.True(t, files.CheckConsistency(fields))

	f3, _ := files.Get("namespace1:file3")
	f3.Metadata["checked.field2"] = "bad_value"
	assert.False(t, files.CheckConsistency(fields))
	assert.True(t, files.CheckConsistency([]string{"checked.field1"}))
	assert.False(t, files.CheckConsistency([]string{"checked.field2"}))
	f3.Metadata["checked.field2"] = "value2"

	f4, err := NewFile(fakeRecord("namespace2", "file4", map[string]any{
		"checked.field1": "value1",
		"checked.field2": "value2",
	}), nil)
	require.NoError(t, err)
	f4.Count = 1
	files.files[f4.DID] = f4
	assert.False(t, files.CheckConsistency(fields))
	assert.False(t, files.CheckConsistency(nil))
}

func TestSet_CheckConsistencyMode(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		logged string
	}{
		{
			name:   "tie goes to first file",
			values: []string{"x", "y"},
			logged: "Found 1 file with inconsistent metadata:\n  ns:b\n    f: 'y' != 'x'",
		},
		{
			name:   "first file in the minority",
			values: []string{"y", "x", "x"},
			logged: "Found 1 file with inconsistent metadata:\n  ns:a\n    f: 'y' != 'x'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := logging.NewTestLogger()
			set := New(Options{}, logger.Underlying())
			for i, v := range tt.values {
				_, err := set.Add(fakeRecord("ns", string(rune('a'+i)), map[string]any{"f": v}))
				require.NoError(t, err)
			}
			assert.False(t, set.CheckConsistency([]string{"f"}))
			logger.AssertLogged(t, zapcore.ErrorLevel, tt.logged)
		})
	}
}

func TestSet_CheckConsistencySmallSets(t *testing.T) {
	set := New(Options{}, nil)
	assert.True(t, set.CheckConsistency([]string{"x"}))
	_, err := set.Add(fakeRecord("ns", "a", map[string]any{"x": 1}))
	require.NoError(t, err)
	assert.True(t, set.CheckConsistency([]string{"x"}))
}

func TestSet_CheckStrict(t *testing.T) {
	set := New(Options{}, nil)
	for _, rec := range []Record{
		fakeRecord("ns", "a", map[string]any{"loose": "x", "strict": "1"}),
		fakeRecord("ns", "b", map[string]any{"loose": "x", "strict": "2"}),
	} {
		_, err := set.Add(rec)
		require.NoError(t, err)
	}

	ok, looseOK := set.CheckStrict([]string{"loose"}, []string{"strict"})
	assert.False(t, ok)
	assert.True(t, looseOK)

	b, _ := set.Get("ns:b")
	b.Metadata["loose"] = "y"
	ok, looseOK = set.CheckStrict([]string{"loose"}, []string{"strict"})
	assert.False(t, ok)
	assert.False(t, looseOK)
}

func TestSet_Unreachable(t *testing.T) {
	set := New(Options{}, nil)
	for _, name := range []string{"a", "b"} {
		_, err := set.Add(fakeRecord("ns", name, nil))
		require.NoError(t, err)
	}
	set.SetUnreachable([]string{"ns:b"})
	assert.Equal(t, []string{"ns:a"}, set.DIDs())
	assert.Equal(t, []string{"ns:b"}, set.Unreachable())
}

func TestSet_Groups(t *testing.T) {
	set := New(Options{}, nil)
	for _, tc := range []struct{ name, site, path string }{
		{"a", "CERN", "root://b"},
		{"b", "CERN", "root://a"},
		{"c", "FNAL", "root://c"},
	} {
		f, err := set.Add(fakeRecord("ns", tc.name, nil))
		require.NoError(t, err)
		f.Site, f.Path = tc.site, tc.path
	}

	groups := set.Groups()
	require.Len(t, groups, 2)
	assert.Equal(t, "CERN", groups[0].Site)
	assert.Equal(t, []string{"root://a", "root://b"}, groups[0].Paths())
	assert.Equal(t, "ns", groups[0].Namespace())
	assert.Equal(t, int64(2*456789), groups[0].Size())
	assert.Equal(t, "FNAL", groups[1].Site)
	assert.Equal(t, 1, groups[1].Len())
}
