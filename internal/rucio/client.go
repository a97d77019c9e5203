// Package rucio talks to the Rucio REST API and finds input replicas.
package rucio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/dune/merge-utils/internal/config"
	"github.com/dune/merge-utils/internal/httpx"
	"github.com/dune/merge-utils/internal/metrics"
	"github.com/dune/merge-utils/internal/rse"
)

// Client is a Rucio REST API client.
type Client struct {
	http *httpx.Client
}

// NewClient creates a client from the rucio config section. A bearer token
// file takes precedence over an X-Rucio-Auth-Token.
func NewClient(cfg config.RucioConfig, logger *zap.Logger, m *metrics.Metrics) (*Client, error) {
	header := http.Header{}
	if cfg.Account != "" {
		header.Set("X-Rucio-Account", cfg.Account)
	}
	if cfg.TokenFile == "" && cfg.AuthToken.IsSet() {
		header.Set("X-Rucio-Auth-Token", cfg.AuthToken.Value())
	}
	c, err := httpx.New(httpx.Config{
		Service:   "rucio",
		BaseURL:   cfg.URL,
		Timeout:   cfg.Timeout.Duration(),
		RateLimit: cfg.RateLimit,
		TokenFile: cfg.TokenFile,
		Header:    header,
	}, httpx.WithLogger(logger), httpx.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	return &Client{http: c}, nil
}

// ListRSEs implements rse.Catalog.
func (c *Client) ListRSEs(ctx context.Context) ([]rse.Description, error) {
	body, err := c.http.Do(ctx, httpx.Request{Op: "list_rses", Method: http.MethodGet, Path: "rses/"})
	if err != nil {
		return nil, err
	}
	var out []rse.Description
	err = decodeLines(body, func(line []byte) error {
		var d rse.Description
		if err := json.Unmarshal(line, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

// RSEAttributes implements rse.Catalog.
func (c *Client) RSEAttributes(ctx context.Context, name string) (map[string]any, error) {
	body, err := c.http.Do(ctx, httpx.Request{
		Op:     "list_rse_attributes",
		Method: http.MethodGet,
		Path:   "rses/" + url.PathEscape(name) + "/attr/",
	})
	if err != nil {
		return nil, err
	}
	var attrs map[string]any
	if err := json.Unmarshal(body, &attrs); err != nil {
		return nil, fmt.Errorf("failed to parse attributes of RSE %s: %w", name, err)
	}
	return attrs, nil
}

// Replicas are the replicas of one file.
type Replicas struct {
	Scope   string                 `json:"scope"`
	Name    string                 `json:"name"`
	Bytes   int64                  `json:"bytes"`
	Adler32 string                 `json:"adler32"`
	MD5     string                 `json:"md5"`
	PFNs    map[string]rse.PFNInfo `json:"pfns"`
}

// DID returns scope:name.
func (r *Replicas) DID() string {
	return r.Scope + ":" + r.Name
}

// Checksum returns the checksum for algo, "" when Rucio has none.
func (r *Replicas) Checksum(algo string) string {
	switch strings.ToLower(algo) {
	case "adler32":
		return r.Adler32
	case "md5":
		return r.MD5
	}
	return ""
}

type didRef struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
}

// ListReplicas lists the replicas of the given DIDs. Files Rucio does not
// know are left out.
func (c *Client) ListReplicas(ctx context.Context, dids []string) ([]Replicas, error) {
	if len(dids) == 0 {
		return nil, nil
	}
	refs := make([]didRef, 0, len(dids))
	for _, did := range dids {
		scope, name, _ := strings.Cut(did, ":")
		refs = append(refs, didRef{Scope: scope, Name: name})
	}
	payload, err := json.Marshal(map[string]any{
		"dids":                refs,
		"ignore_availability": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal replica request: %w", err)
	}

	body, err := c.http.Do(ctx, httpx.Request{
		Op:          "list_replicas",
		Method:      http.MethodPost,
		Path:        "replicas/list",
		Body:        payload,
		ContentType: "application/json",
	})
	if err != nil {
		return nil, err
	}
	var out []Replicas
	err = decodeLines(body, func(line []byte) error {
		var r Replicas
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// decodeLines calls fn for each non-empty line of an x-json-stream body.
func decodeLines(body []byte, fn func([]byte) error) error {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("failed to parse rucio response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read rucio response: %w", err)
	}
	return nil
}
