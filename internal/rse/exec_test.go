package rse

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestPathStatus_Remote(t *testing.T) {
	pnfs := t.TempDir()
	staged := FNALPrefix + "/dune/staged.root"
	missing := FNALPrefix + "/dune/missing.root"
	writeFile(t, filepath.Join(pnfs, "dune", "staged.root"), "data")
	writeFile(t, filepath.Join(pnfs, "dune", ".(get)(staged.root)(locality)"), "ONLINE_AND_NEARLINE\n")

	runner := &fakeRunner{results: map[string]Result{
		"gfal-xattr root://a/disk user.status": {Stdout: "ONLINE\n"},
		"gfal-xattr root://a/both user.status": {Stdout: "ONLINE_AND_NEARLINE\n"},
		"gfal-xattr root://a/tape user.status": {Stdout: "NEARLINE\n"},
		"gfal-xattr root://a/lost user.status": {Stdout: "LOST\n"},
		"gfal-xattr " + staged + " user.status":  {Stdout: "UNKNOWN\n"},
		"gfal-xattr " + missing + " user.status": {Stdout: "UNKNOWN\n"},
	}}
	p := &PathStatus{Runner: runner, PNFSRoot: pnfs}
	ctx := context.Background()

	assert.Equal(t, StatusOnline, p.Status(ctx, "root://a/disk"))
	assert.Equal(t, StatusOnline, p.Status(ctx, "root://a/both"))
	assert.Equal(t, StatusNearline, p.Status(ctx, "root://a/tape"))
	assert.Equal(t, "LOST", p.Status(ctx, "root://a/lost"))
	assert.Equal(t, StatusOnline, p.Status(ctx, staged))
	assert.Equal(t, StatusNearline, p.Status(ctx, missing))

	runner.err = context.Canceled
	assert.Equal(t, StatusUnknown, p.Status(ctx, "root://a/disk"))
}

func TestPathStatus_Local(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.root")
	tape := filepath.Join(dir, "tape.root")
	writeFile(t, plain, "data")
	writeFile(t, tape, "data")
	writeFile(t, filepath.Join(dir, ".(get)(tape.root)(locality)"), "NEARLINE\n")

	p := &PathStatus{Runner: &fakeRunner{}}
	ctx := context.Background()

	assert.Equal(t, StatusOnline, p.Status(ctx, plain))
	assert.Equal(t, StatusNearline, p.Status(ctx, tape))
	assert.Equal(t, StatusNonexistent, p.Status(ctx, filepath.Join(dir, "missing.root")))
}

func TestParseSiteStorages(t *testing.T) {
	csv := strings.Join([]string{
		"site,rse,dist,site_enabled,rse_read,rse_write",
		"CERN,CERN_PDUNE_EOS,0.0,True,True,False",
		"US_FNAL-FermiGrid,FNAL_DCACHE,0.5,1,1,1",
		"UK_RAL-Tier1,RAL_ECHO,1.0,,True,True",
		"short,row",
	}, "\n")

	rows, err := ParseSiteStorages(strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, []SiteStorage{
		{Site: "CERN", RSE: "CERN_PDUNE_EOS", Dist: 0, SiteEnabled: true, RSERead: true, RSEWrite: false},
		{Site: "US_FNAL-FermiGrid", RSE: "FNAL_DCACHE", Dist: 0.5, SiteEnabled: true, RSERead: true, RSEWrite: true},
		{Site: "UK_RAL-Tier1", RSE: "RAL_ECHO", Dist: 1, SiteEnabled: false, RSERead: true, RSEWrite: true},
	}, rows)
}
