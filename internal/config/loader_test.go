package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Validation.BatchSize)
	assert.True(t, cfg.Validation.AllowDuplicates)
	assert.False(t, cfg.Validation.AllowMissing)
	assert.Contains(t, cfg.Validation.MetadataFields, "core.run_type")
	assert.Equal(t, "dune.requestid", cfg.Validation.Fixes.Keys["DUNE.requestid"])
	assert.Equal(t, "hadd", cfg.Merging.Method)
	assert.Equal(t, ".root", cfg.MethodExt())
	assert.Equal(t, "sum", cfg.Merging.Metadata.Modes["core.event_count"])
	assert.Equal(t, 120*time.Second, cfg.MetaCat.Timeout.Duration())
	assert.Equal(t, 50.0, cfg.Sites.Nearline("SOME_RSE"))
}

func TestLoad_YAMLOverridesKeepDefaults(t *testing.T) {
	path := writeFile(t, "user.yaml", `
validation:
  batch_size: 7
sites:
  nearline_distance:
    FNAL_DCACHE: 10
merging:
  metadata:
    modes:
      core.runs: all
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Validation.BatchSize)
	// sibling keys survive the merge
	assert.True(t, cfg.Validation.Skip.Invalid)
	assert.Equal(t, 10.0, cfg.Sites.Nearline("FNAL_DCACHE"))
	assert.Equal(t, 50.0, cfg.Sites.Nearline("OTHER"))
	assert.Equal(t, "all", cfg.Merging.Metadata.Modes["core.runs"])
	assert.Equal(t, "sum", cfg.Merging.Metadata.Modes["core.event_count"])
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "user.toml", `
[merging]
chunk_max = 12
method = "tar"

[output]
name = "{core.run_type}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Merging.ChunkMax)
	assert.Equal(t, ".tar.gz", cfg.MethodExt())
	assert.Equal(t, "{core.run_type}", cfg.Output.Name)
}

func TestLoad_JSONLaterFileWins(t *testing.T) {
	first := writeFile(t, "a.json", `{"validation": {"batch_size": 3}}`)
	second := writeFile(t, "b.json", `{"validation": {"batch_size": 4, "allow_missing": true}}`)

	cfg, err := Load(first, second)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Validation.BatchSize)
	assert.True(t, cfg.Validation.AllowMissing)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MERGE_VALIDATION__BATCH_SIZE", "42")
	t.Setenv("MERGE_RUCIO__AUTH_TOKEN", "tok")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Validation.BatchSize)
	assert.Equal(t, "tok", cfg.Rucio.AuthToken.Value())
	assert.Equal(t, "[REDACTED]", cfg.Rucio.AuthToken.String())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
	}{
		{name: "missing file", file: filepath.Join(t.TempDir(), "nope.yaml")},
		{name: "unknown extension", file: writeFile(t, "cfg.ini", "x=1")},
		{name: "invalid value", file: writeFile(t, "bad.yaml", "merging:\n  method: nosuch\n")},
		{name: "malformed yaml", file: writeFile(t, "broken.yaml", "validation: [\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.file)
			assert.Error(t, err)
		})
	}
}
