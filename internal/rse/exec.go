package rse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dune/merge-utils/internal/logging"
)

// File status values reported by storage.
const (
	StatusOnline      = "ONLINE"
	StatusNearline    = "NEARLINE"
	StatusNonexistent = "NONEXISTENT"
	StatusUnknown     = "UNKNOWN"
)

// FNALPrefix is the xroot URL prefix of the FNAL dCache /pnfs tree.
const FNALPrefix = "root://fndca1.fnal.gov:1094/pnfs/fnal.gov/usr"

// Result is the outcome of an external command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs external commands. A non-zero exit code is not an error.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return res, nil
}

// StatusChecker reports whether a replica is on disk or tape.
type StatusChecker interface {
	Status(ctx context.Context, pfn string) string
}

// PathStatus checks remote replicas with gfal-xattr and local dCache files
// through their locality pseudo-files.
type PathStatus struct {
	Runner Runner
	// PNFSRoot is where the FNAL /pnfs tree is mounted.
	PNFSRoot string
	Logger   *zap.Logger
}

// NewPathStatus creates a PathStatus running real commands.
func NewPathStatus(logger *zap.Logger) *PathStatus {
	return &PathStatus{Runner: ExecRunner{}, PNFSRoot: "/pnfs", Logger: logging.OrNop(logger)}
}

// Status implements StatusChecker. The result is ONLINE, NEARLINE,
// NONEXISTENT or whatever other status storage reports.
func (p *PathStatus) Status(ctx context.Context, path string) string {
	logger := logging.OrNop(p.Logger)

	var status string
	if strings.Contains(path, "://") {
		res, err := p.Runner.Run(ctx, "gfal-xattr", path, "user.status")
		if err != nil {
			logger.Warn("Failed to check file status", zap.String("pfn", path), zap.Error(err))
			return StatusUnknown
		}
		status = strings.TrimSpace(res.Stdout)

		if status == StatusUnknown && strings.HasPrefix(path, FNALPrefix) {
			local := p.PNFSRoot + strings.TrimPrefix(path, FNALPrefix)
			if _, err := os.Stat(local); err != nil {
				logger.Info(fmt.Sprintf("Got UNKNOWN status for %s, assuming NEARLINE", path))
				return StatusNearline
			}
			status = locality(local)
		}
	} else {
		if _, err := os.Stat(path); err != nil {
			logger.Warn(fmt.Sprintf("File %s not found!", path))
			return StatusNonexistent
		}
		if resolved, err := filepath.EvalSymlinks(path); err == nil {
			path = resolved
		}
		status = locality(path)
		if status == "" {
			// not in dCache
			return StatusOnline
		}
	}

	// dCache may report "ONLINE_AND_NEARLINE"
	switch {
	case strings.Contains(status, StatusOnline):
		return StatusOnline
	case strings.Contains(status, StatusNearline):
		return StatusNearline
	}
	logger.Warn(fmt.Sprintf("File %s status is %s", path, status))
	return status
}

// locality reads the dCache locality of a local file, "" when there is none.
func locality(path string) string {
	dir, name := filepath.Split(path)
	f, err := os.Open(filepath.Join(dir, ".(get)("+name+")(locality)"))
	if err != nil {
		return ""
	}
	defer f.Close()
	line, _ := bufio.NewReader(f).ReadString('\n')
	return strings.TrimSpace(line)
}

// Pinger measures the round trip time to the host of a PFN.
type Pinger interface {
	Ping(ctx context.Context, pfn string) float64
}

// ExecPinger pings hosts with the system ping command.
type ExecPinger struct {
	Runner Runner
	Logger *zap.Logger
}

// Ping returns the average round trip time in ms, +Inf on failure.
func (p ExecPinger) Ping(ctx context.Context, pfn string) float64 {
	logger := logging.OrNop(p.Logger)
	host := Host(pfn)
	if host == "" {
		return math.Inf(1)
	}
	res, err := p.Runner.Run(ctx, "ping", "-c", "1", host)
	if err != nil || res.ExitCode != 0 {
		logger.Warn("Failed to ping " + host)
		return math.Inf(1)
	}
	// rtt min/avg/max/mdev = 0.045/0.045/0.045/0.000 ms
	stdout := strings.TrimSpace(res.Stdout)
	_, stats, ok := strings.Cut(stdout[strings.LastIndex(stdout, "\n")+1:], "=")
	parts := strings.Split(strings.TrimSpace(stats), "/")
	if !ok || len(parts) < 2 {
		return math.Inf(1)
	}
	ms, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return math.Inf(1)
	}
	logger.Debug(fmt.Sprintf("Pinged %s, t = %.0f ms", host, ms))
	return ms
}

// Host extracts the host from protocol://host:port/path.
func Host(pfn string) string {
	_, rest, ok := strings.Cut(pfn, "://")
	if !ok {
		return ""
	}
	rest, _, _ = strings.Cut(rest, "/")
	host, _, _ := strings.Cut(rest, ":")
	return host
}

// Exit codes of xrdfs.
const (
	xrdfsInvalidServer = 51
	xrdfsNoSuchFile    = 54
)

// CheckRemotePath reports whether an xroot URL can be listed within timeout.
func CheckRemotePath(ctx context.Context, runner Runner, path string, timeout time.Duration, logger *zap.Logger) bool {
	logger = logging.OrNop(logger)
	parts := strings.SplitN(path, "/", 4)
	if len(parts) < 4 {
		logger.Debug("Not a remote path " + path)
		return false
	}
	url := strings.Join(parts[:3], "/")
	file := "/" + parts[3]

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := runner.Run(ctx, "xrdfs", url, "ls", "-l", file)
	switch {
	case err != nil:
		logger.Debug(fmt.Sprintf("Timeout accessing %s%s", url, file), zap.Error(err))
		return false
	case res.ExitCode == xrdfsInvalidServer:
		logger.Debug("Invalid xrootd server " + url)
		return false
	case res.ExitCode == xrdfsNoSuchFile:
		logger.Debug(fmt.Sprintf("No such file %s%s", url, file))
		return false
	case res.ExitCode != 0:
		logger.Debug(fmt.Sprintf("Failed to access %s%s\n  %s", url, file, strings.TrimSpace(res.Stderr)))
		return false
	}
	return true
}
