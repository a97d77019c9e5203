// Package metacat talks to the MetaCat web API.
package metacat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/dune/merge-utils/internal/config"
	"github.com/dune/merge-utils/internal/httpx"
	"github.com/dune/merge-utils/internal/mergeset"
	"github.com/dune/merge-utils/internal/metrics"
)

// ErrBadRequest is returned when MetaCat rejects a query or file list.
var ErrBadRequest = errors.New("metacat bad request")

// Client is a MetaCat web API client.
type Client struct {
	http *httpx.Client
}

// NewClient creates a client from the metacat config section.
func NewClient(cfg config.MetaCatConfig, logger *zap.Logger, m *metrics.Metrics) (*Client, error) {
	c, err := httpx.New(httpx.Config{
		Service:   "metacat",
		BaseURL:   cfg.URL,
		Timeout:   cfg.Timeout.Duration(),
		RateLimit: cfg.RateLimit,
		TokenFile: cfg.TokenFile,
	}, httpx.WithLogger(logger), httpx.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	return &Client{http: c}, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// Query runs an MQL query and returns the matching files with metadata.
func (c *Client) Query(ctx context.Context, mql string, withProvenance bool) ([]mergeset.Record, error) {
	body, err := c.http.Do(ctx, httpx.Request{
		Op:     "query",
		Method: http.MethodPost,
		Path:   "data/query",
		Query: url.Values{
			"with_meta":       {"yes"},
			"with_provenance": {yesNo(withProvenance)},
		},
		Body:        []byte(mql),
		ContentType: "text/plain",
	})
	if err != nil {
		return nil, wrap(err)
	}
	return decodeRecords(body)
}

// GetFiles returns the files with the given DIDs. Unknown DIDs are left out
// of the result.
func (c *Client) GetFiles(ctx context.Context, dids []string, withProvenance bool) ([]mergeset.Record, error) {
	if len(dids) == 0 {
		return nil, nil
	}
	req := make([]map[string]string, len(dids))
	for i, did := range dids {
		req[i] = map[string]string{"did": did}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file list: %w", err)
	}

	body, err := c.http.Do(ctx, httpx.Request{
		Op:     "get_files",
		Method: http.MethodPost,
		Path:   "data/files",
		Query: url.Values{
			"with_metadata":   {"yes"},
			"with_provenance": {yesNo(withProvenance)},
		},
		Body:        payload,
		ContentType: "application/json",
	})
	if err != nil {
		return nil, wrap(err)
	}
	return decodeRecords(body)
}

func wrap(err error) error {
	if httpx.IsStatus(err, http.StatusBadRequest) {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return err
}

// decodeRecords accepts a JSON array or newline-delimited JSON objects.
func decodeRecords(body []byte) ([]mergeset.Record, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	if body[0] == '[' {
		var recs []mergeset.Record
		if err := json.Unmarshal(body, &recs); err != nil {
			return nil, fmt.Errorf("failed to parse metacat response: %w", err)
		}
		return recs, nil
	}

	var recs []mergeset.Record
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec mergeset.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse metacat response: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metacat response: %w", err)
	}
	return recs, nil
}
