package logging

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Plural fills a summary header. {n} becomes the count; {s} and {es} become
// the plural suffix when n != 1.
func Plural(format string, n int) string {
	s, es := "s", "es"
	if n == 1 {
		s, es = "", ""
	}
	r := strings.NewReplacer("{n}", strconv.Itoa(n), "{s}", s, "{es}", es)
	return r.Replace(format)
}

// List logs a header followed by one indented line per item, sorted.
// Nothing is logged for an empty list. Returns the number of items.
func List(l *zap.Logger, level zapcore.Level, format string, items []string) int {
	if len(items) == 0 {
		return 0
	}
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteString(Plural(format, len(sorted)))
	for _, item := range sorted {
		b.WriteString("\n  ")
		b.WriteString(item)
	}
	OrNop(l).Log(level, b.String(), zap.Int("count", len(sorted)))
	return len(sorted)
}

// Counts logs a header followed by "(count) key" lines. The header count is
// the sum of all counts. Returns that sum.
func Counts(l *zap.Logger, level zapcore.Level, format string, counts map[string]int) int {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(Plural(format, total))
	for _, k := range keys {
		fmt.Fprintf(&b, "\n  (%d) %s", counts[k], k)
	}
	OrNop(l).Log(level, b.String(), zap.Int("count", total))
	return total
}
