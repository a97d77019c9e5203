package local

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/dune/merge-utils/internal/logging"
	"github.com/dune/merge-utils/internal/mergeset"
	"github.com/dune/merge-utils/internal/retriever"
	"github.com/dune/merge-utils/internal/rse"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeMeta(t *testing.T, path, name string) string {
	t.Helper()
	b, err := json.Marshal(mergeset.Record{
		Namespace: "ns",
		Name:      name,
		Size:      10,
		Checksums: map[string]string{"adler32": "00000001"},
		Metadata:  map[string]any{"core.run_type": "mc"},
	})
	require.NoError(t, err)
	return writeFile(t, path, string(b))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	extra := t.TempDir()

	aData := writeFile(t, filepath.Join(dir, "a.root"), "a")
	aMeta := writeMeta(t, filepath.Join(dir, "a.root.json"), "a.root")
	bMeta := writeMeta(t, filepath.Join(dir, "b.root.json"), "b.root")
	bData := writeFile(t, filepath.Join(extra, "b.root"), "b")
	cData := writeFile(t, filepath.Join(dir, "c.root"), "c")

	in := Discover([]string{aData, bMeta, cData}, []string{extra}, nil)

	assert.Equal(t, []string{"a.root", "b.root", "c.root"}, in.Names())
	assert.Equal(t, map[string]string{"a.root": aData, "b.root": bData, "c.root": cData}, in.Data)
	assert.Equal(t, map[string]string{"a.root": aMeta, "b.root": bMeta}, in.Meta)
	assert.True(t, in.HasData())
	assert.True(t, in.HasMeta())
	assert.Equal(t, []string{"usertests:a.root", "usertests:b.root", "usertests:c.root"}, in.DIDs("usertests"))
}

func TestDiscover_DataOnly(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, filepath.Join(dir, "a.root"), "a")

	in := Discover([]string{a}, nil, nil)
	assert.True(t, in.HasData())
	assert.False(t, in.HasMeta())
}

func TestMetaSource(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for _, name := range []string{"a.root", "b.root", "c.root"} {
		files = append(files, writeMeta(t, filepath.Join(dir, name+".json"), name))
	}
	files = append(files, writeFile(t, filepath.Join(dir, "bad.root.json"), "{not json"))
	files = append(files, writeFile(t, filepath.Join(dir, "nometa.root"), "x"))

	src := NewMetaSource(Discover(files, nil, nil), "usertests", 2, nil)
	require.NoError(t, src.Connect(context.Background()))

	var batches []retriever.Batch
	err := src.Batches(context.Background(), func(_ context.Context, b retriever.Batch) error {
		batches = append(batches, b)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, batches, 2)
	assert.Equal(t, 0, batches[0].Index)
	assert.Equal(t, 1, batches[1].Index)
	assert.Len(t, batches[0].Records, 2)
	assert.Len(t, batches[1].Records, 1)
	assert.Equal(t, []string{"ns:a.root", "ns:b.root"}, batches[0].Requested)
	assert.Equal(t, []string{"usertests:bad.root", "ns:c.root", "usertests:nometa.root"}, batches[1].Requested)
}

func TestPathFinder(t *testing.T) {
	dir := t.TempDir()
	found := writeFile(t, filepath.Join(dir, "found.root"), "x")

	files := mergeset.New(mergeset.Options{}, nil)
	added := make(map[string]*mergeset.File)
	for _, name := range []string{"known.root", "found.root", "lost.root"} {
		f, err := files.Add(mergeset.Record{Namespace: "ns", Name: name})
		require.NoError(t, err)
		added[f.DID] = f
	}

	tests := []struct {
		name    string
		skip    bool
		wantErr bool
	}{
		{name: "skip unreachable", skip: true},
		{name: "fatal", skip: false, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := logging.NewTestLogger()
			p := NewPathFinder(map[string]string{"known.root": "/pnfs/dune/known.root"}, []string{dir}, tt.skip, log.Underlying())
			require.NoError(t, p.Process(context.Background(), added))

			assert.Equal(t, rse.FNALPrefix+"/dune/known.root", added["ns:known.root"].Path)
			assert.Equal(t, found, added["ns:found.root"].Path)

			set := mergeset.New(mergeset.Options{}, nil)
			for _, f := range added {
				_, err := set.AddFile(f)
				require.NoError(t, err)
			}
			err := p.Finish(context.Background(), set)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnreachable)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, []string{"ns:lost.root"}, set.Unreachable())
			assert.Equal(t, 2, set.Len())
			log.AssertLogged(t, zapcore.ErrorLevel, "Failed to locate 1 file path:\n  ns:lost.root")
		})
	}
}

func TestXRootPath(t *testing.T) {
	assert.Equal(t, "root://fndca1.fnal.gov:1094/pnfs/fnal.gov/usr/dune/a.root", XRootPath("/pnfs/dune/a.root"))
	assert.Equal(t, "/data/a.root", XRootPath("/data/a.root"))
	assert.Equal(t, "root://eos/a.root", XRootPath("root://eos/a.root"))
}

func TestCheckStaged(t *testing.T) {
	pnfs := t.TempDir()
	ps := &rse.PathStatus{PNFSRoot: pnfs}

	writeFile(t, filepath.Join(pnfs, "dune", "disk.root"), "x")
	writeFile(t, filepath.Join(pnfs, "dune", ".(get)(disk.root)(locality)"), "ONLINE_AND_NEARLINE\n")
	writeFile(t, filepath.Join(pnfs, "dune", "tape.root"), "x")
	writeFile(t, filepath.Join(pnfs, "dune", ".(get)(tape.root)(locality)"), "NEARLINE\n")
	writeFile(t, filepath.Join(pnfs, "dune", "lost.root"), "x")
	writeFile(t, filepath.Join(pnfs, "dune", ".(get)(lost.root)(locality)"), "LOST\n")
	plain := writeFile(t, filepath.Join(t.TempDir(), "plain.root"), "x")

	tests := []struct {
		path string
		ok   bool
		msg  string
	}{
		{path: rse.FNALPrefix + "/dune/disk.root", ok: true, msg: "File is staged"},
		{path: rse.FNALPrefix + "/dune/tape.root", msg: "File is nearline"},
		{path: rse.FNALPrefix + "/dune/lost.root", msg: "File is lost!"},
		{path: rse.FNALPrefix + "/dune/none.root", msg: "File does not exist"},
		{path: "root://eos.cern.ch//dune/a.root", msg: "Attempting to access a file on a remote site"},
		{path: plain, ok: true, msg: "File is staged"},
	}
	for _, tt := range tests {
		t.Run(filepath.Base(tt.path), func(t *testing.T) {
			ok, msg := CheckStaged(context.Background(), ps, tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.msg, msg)
		})
	}
}
