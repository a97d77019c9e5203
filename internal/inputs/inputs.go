// Package inputs collects the list of input files for a run.
package inputs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dune/merge-utils/internal/logging"
)

// TimestampFormat is used in merged file names and scratch directories.
const TimestampFormat = "20060102T150405"

// Timestamp formats t for file names.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// Gather collects entries from, in order, the command line, a list file and
// stdin. stdin may be nil. Blank lines and lines starting with '#' are skipped.
func Gather(listFile string, args []string, stdin io.Reader, logger *zap.Logger) ([]string, error) {
	logger = logging.OrNop(logger)

	inputs := make([]string, 0, len(args))
	for _, a := range args {
		if a = strings.TrimSpace(a); a != "" {
			inputs = append(inputs, a)
		}
	}
	if len(inputs) > 0 {
		logger.Debug("Found entries from command line", zap.Int("count", len(inputs)))
	}

	if listFile != "" {
		f, err := os.Open(listFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open file list: %w", err)
		}
		defer f.Close()
		entries, err := readLines(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read file list %s: %w", listFile, err)
		}
		logger.Debug("Found entries in file", zap.Int("count", len(entries)), zap.String("file", listFile))
		inputs = append(inputs, entries...)
	}

	if stdin != nil {
		entries, err := readLines(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read standard input: %w", err)
		}
		if len(entries) > 0 {
			logger.Debug("Found entries from standard input", zap.Int("count", len(entries)))
		}
		inputs = append(inputs, entries...)
	}

	return inputs, nil
}

// Stdin returns os.Stdin when it is piped, or nil for a terminal.
func Stdin() io.Reader {
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice != 0 {
		return nil
	}
	return os.Stdin
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
