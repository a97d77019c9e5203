package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dune/merge-utils/internal/merge"
	"github.com/dune/merge-utils/internal/mergeset"
	"github.com/dune/merge-utils/internal/rse"
)

type haddRunner struct {
	args []string
}

func (r *haddRunner) Run(_ context.Context, name string, args ...string) (rse.Result, error) {
	r.args = append([]string{name}, args...)
	return rse.Result{}, os.WriteFile(args[3], []byte("merged"), 0o644)
}

func writeJob(t *testing.T, job mergeset.Job) string {
	t.Helper()
	b, err := json.Marshal(job)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pass1_CERN_000001.json")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func TestDoMerge_Tar(t *testing.T) {
	in := filepath.Join(t.TempDir(), "a.log")
	require.NoError(t, os.WriteFile(in, []byte("log line\n"), 0o644))
	jobFile := writeJob(t, mergeset.Job{
		Name:     "logs_merged.tar.gz",
		Inputs:   []string{in},
		Metadata: map[string]any{merge.KeyMethod: "tar"},
	})
	outDir := t.TempDir()
	metricsFile := filepath.Join(t.TempDir(), "merge.prom")

	var out bytes.Buffer
	cmd := newRootCmd(nil)
	cmd.SetArgs([]string{"--metrics-file", metricsFile, jobFile, outDir})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())

	want := filepath.Join(outDir, "logs_merged.tar.gz")
	assert.Equal(t, want+"\n", out.String())
	assert.FileExists(t, want)
	assert.FileExists(t, want+".json")

	prom, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `merge_utils_merge_output_bytes_total{method="tar"}`)
}

func TestDoMerge_Hadd(t *testing.T) {
	jobFile := writeJob(t, mergeset.Job{
		Name:     "out_merged.root",
		Inputs:   []string{"root://eos/a.root", "root://eos/b.root"},
		Metadata: map[string]any{merge.KeyMethod: "hadd"},
	})
	outDir := t.TempDir()
	runner := &haddRunner{}

	var out bytes.Buffer
	err := runJob(context.Background(), jobFile, outDir, runner, nil, nil, &out)
	require.NoError(t, err)

	want := filepath.Join(outDir, "out_merged.root")
	assert.Equal(t, "hadd -v 0 -f "+want+" root://eos/a.root root://eos/b.root", strings.Join(runner.args, " "))

	b, err := os.ReadFile(want + ".json")
	require.NoError(t, err)
	var got mergeset.Job
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, int64(6), got.Size)
	assert.Equal(t, "08b80275", got.Checksums["adler32"])
}

func TestDoMerge_Errors(t *testing.T) {
	cmd := newRootCmd(nil)
	cmd.SetArgs([]string{})
	assert.Error(t, cmd.Execute())

	jobFile := writeJob(t, mergeset.Job{Name: "x.h5", Metadata: map[string]any{merge.KeyMethod: "hdf5"}})
	err := runJob(context.Background(), jobFile, t.TempDir(), nil, nil, nil, &bytes.Buffer{})
	assert.ErrorIs(t, err, merge.ErrUnsupported)
}
