package rse

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dune/merge-utils/internal/httpx"
)

// SiteStorage is one row of the justIN sites_storages table.
type SiteStorage struct {
	Site        string
	RSE         string
	Dist        float64
	SiteEnabled bool
	RSERead     bool
	RSEWrite    bool
}

// Distances lists site to storage distances.
type Distances interface {
	SiteStorages(ctx context.Context) ([]SiteStorage, error)
}

// JustINDistances reads sites_storages.csv from the justIN web UI.
type JustINDistances struct {
	Client *httpx.Client
	URL    string
}

// SiteStorages implements Distances.
func (j *JustINDistances) SiteStorages(ctx context.Context) ([]SiteStorage, error) {
	body, err := j.Client.Do(ctx, httpx.Request{Op: "sites_storages", Method: http.MethodGet, Path: j.URL})
	if err != nil {
		return nil, fmt.Errorf("failed to get site distances: %w", err)
	}
	return ParseSiteStorages(bytes.NewReader(body))
}

// ParseSiteStorages parses headerless rows of
// site,rse,dist,site_enabled,rse_read,rse_write.
func ParseSiteStorages(r io.Reader) ([]SiteStorage, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows []SiteStorage
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse site distances: %w", err)
		}
		if len(rec) < 5 {
			continue
		}
		dist, err := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
		if err != nil {
			// header or malformed row
			continue
		}
		row := SiteStorage{
			Site:        strings.TrimSpace(rec[0]),
			RSE:         strings.TrimSpace(rec[1]),
			Dist:        dist,
			SiteEnabled: truthy(rec[3]),
			RSERead:     truthy(rec[4]),
		}
		if len(rec) > 5 {
			row.RSEWrite = truthy(rec[5])
		}
		rows = append(rows, row)
	}
}

// truthy treats empty, 0, false and no as false.
func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "no", "none":
		return false
	}
	return true
}
