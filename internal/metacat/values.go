package metacat

import (
	"context"
	"fmt"
	"strings"

	"github.com/dune/merge-utils/internal/mergeset"
)

// ListFieldValues returns the distinct values of a metadata field, one query
// per value. Each query excludes the values already seen.
func (c *Client) ListFieldValues(ctx context.Context, field string, found func(string)) ([]string, error) {
	var vals []string
	query := fmt.Sprintf("files where %s present limit 1", field)
	for {
		recs, err := c.Query(ctx, query, false)
		if err != nil {
			return vals, err
		}
		if len(recs) == 0 {
			return vals, nil
		}
		val := mergeset.Value(recs[0].Metadata, field)
		if found != nil {
			found(val)
		}
		vals = append(vals, val)

		quoted := make([]string, len(vals))
		for i, v := range vals {
			quoted[i] = "'" + strings.ReplaceAll(v, "'", "\\'") + "'"
		}
		query = fmt.Sprintf("files where %s present and %s not in (%s) limit 1", field, field, strings.Join(quoted, ","))
	}
}
