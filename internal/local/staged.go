package local

import (
	"context"
	"strings"

	"github.com/dune/merge-utils/internal/rse"
)

// CheckStaged reports whether a file on FNAL dCache is staged to disk, with
// a message describing its state. Remote paths outside FNAL cannot be
// checked.
func CheckStaged(ctx context.Context, ps *rse.PathStatus, path string) (bool, string) {
	if strings.HasPrefix(path, rse.FNALPrefix) {
		path = ps.PNFSRoot + strings.TrimPrefix(path, rse.FNALPrefix)
	} else if strings.Contains(path, "://") {
		return false, "Attempting to access a file on a remote site"
	}

	switch status := ps.Status(ctx, path); status {
	case rse.StatusOnline:
		return true, "File is staged"
	case rse.StatusNearline:
		return false, "File is nearline"
	case rse.StatusNonexistent:
		return false, "File does not exist"
	case "UNAVAILABLE":
		return false, "File is unavailable, contact an admin"
	case "LOST":
		return false, "File is lost!"
	default:
		return false, "Unknown status: " + status
	}
}
