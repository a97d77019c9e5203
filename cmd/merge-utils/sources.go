package main

import (
	"context"

	"github.com/dune/merge-utils/internal/config"
	"github.com/dune/merge-utils/internal/httpx"
	"github.com/dune/merge-utils/internal/inputs"
	"github.com/dune/merge-utils/internal/metacat"
	"github.com/dune/merge-utils/internal/metadata"
	"github.com/dune/merge-utils/internal/retriever"
	"github.com/dune/merge-utils/internal/rse"
	"github.com/dune/merge-utils/internal/rucio"
)

// stdin is read for extra DIDs when it is not a terminal.
var stdin = inputs.Stdin

// inputFlags select the files to work on.
type inputFlags struct {
	query    string
	listFile string
}

// dids gathers DIDs from args, the list file and piped stdin.
func (a *app) dids(in *inputFlags, args []string) ([]string, error) {
	return inputs.Gather(in.listFile, args, stdin(), a.Logger())
}

func (a *app) metacatClient() (*metacat.Client, error) {
	return metacat.NewClient(a.cfg.MetaCat, a.Logger(), a.metrics)
}

// metacatSource reads the files named by the query and DIDs from MetaCat.
func (a *app) metacatSource(query string, dids []string) (*metacat.Source, error) {
	client, err := a.metacatClient()
	if err != nil {
		return nil, err
	}
	return metacat.NewSource(client, query, dids, a.cfg.Validation.BatchSize, a.cfg.Output.Grandparents, a.Logger()), nil
}

// retriever wraps src with the configured validation.
func (a *app) retriever(src retriever.Source, cfg config.ValidationConfig) (*retriever.Retriever, error) {
	v, err := metadata.NewValidator(cfg, a.Logger())
	if err != nil {
		return nil, err
	}
	return retriever.New(src, cfg, v, a.Logger(), retriever.WithMetrics(a.metrics)), nil
}

// rucioFinder connects to Rucio and justIN and returns a replica finder.
func (a *app) rucioFinder(ctx context.Context) (*rucio.Finder, error) {
	client, err := rucio.NewClient(a.cfg.Rucio, a.Logger(), a.metrics)
	if err != nil {
		return nil, err
	}
	justin, err := httpx.New(httpx.Config{Service: "justin"}, httpx.WithLogger(a.Logger()), httpx.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}
	distances := &rse.JustINDistances{Client: justin, URL: a.cfg.JustIN.SitesURL}

	rses := rse.NewSet(a.cfg.Sites, client, distances, a.Logger(),
		rse.WithPinger(rse.ExecPinger{Runner: rse.ExecRunner{}, Logger: a.Logger()}))
	if err := rses.Connect(ctx); err != nil {
		return nil, err
	}
	return rucio.NewFinder(client, rses, a.cfg.Validation.Skip.Unreachable, a.Logger(), a.metrics), nil
}

// remotePipeline reads metadata from MetaCat and replicas from Rucio.
func (a *app) remotePipeline(ctx context.Context, query string, dids []string) (*retriever.Pipeline, *rucio.Finder, error) {
	src, err := a.metacatSource(query, dids)
	if err != nil {
		return nil, nil, err
	}
	r, err := a.retriever(src, a.cfg.Validation)
	if err != nil {
		return nil, nil, err
	}
	finder, err := a.rucioFinder(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &retriever.Pipeline{Retriever: r, Finder: finder}, finder, nil
}
