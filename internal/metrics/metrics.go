// Package metrics provides Prometheus collectors for a merge-utils run.
//
// Collectors live on a private registry so that a run can dump them in text
// exposition format for the node-exporter textfile collector.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "merge_utils"

// Metrics holds the collectors of one run. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// BatchesRetrieved counts metadata batches by source (metacat, local).
	BatchesRetrieved *prometheus.CounterVec
	// FilesAdded counts files added to the merge set.
	FilesAdded prometheus.Counter
	// FilesRejected counts files left out by reason
	// (missing, duplicate, invalid, unreachable).
	FilesRejected *prometheus.CounterVec
	// RequestDuration tracks HTTP request durations by service and status code.
	RequestDuration *prometheus.HistogramVec
	// ChunksWritten counts chunk descriptions written by pass.
	ChunksWritten *prometheus.CounterVec
	// MergedBytes tracks the size of merge outputs by method.
	MergedBytes *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BatchesRetrieved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retriever",
				Name:      "batches_total",
				Help:      "Metadata batches retrieved, by source",
			},
			[]string{"source"},
		),
		FilesAdded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retriever",
				Name:      "files_added_total",
				Help:      "Files added to the merge set",
			},
		),
		FilesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retriever",
				Name:      "files_rejected_total",
				Help:      "Files left out of the merge set, by reason",
			},
			[]string{"reason"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of requests to external services in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"service", "code"},
		),
		ChunksWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "chunks_written_total",
				Help:      "Merge job descriptions written, by pass",
			},
			[]string{"pass"},
		),
		MergedBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "merge",
				Name:      "output_bytes_total",
				Help:      "Bytes written to merged outputs, by method",
			},
			[]string{"method"},
		),
	}
	m.registry.MustRegister(
		m.BatchesRetrieved,
		m.FilesAdded,
		m.FilesRejected,
		m.RequestDuration,
		m.ChunksWritten,
		m.MergedBytes,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordBatch counts one retrieved batch.
func (m *Metrics) RecordBatch(source string) {
	if m == nil {
		return
	}
	m.BatchesRetrieved.WithLabelValues(source).Inc()
}

// RecordAdded counts files added to the set.
func (m *Metrics) RecordAdded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FilesAdded.Add(float64(n))
}

// RecordRejected counts files left out for reason.
func (m *Metrics) RecordRejected(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FilesRejected.WithLabelValues(reason).Add(float64(n))
}

// ObserveRequest records one HTTP request. code is 0 for transport errors.
func (m *Metrics) ObserveRequest(service string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(service, strconv.Itoa(code)).Observe(d.Seconds())
}

// RecordChunk counts one job description written for pass.
func (m *Metrics) RecordChunk(pass int) {
	if m == nil {
		return
	}
	m.ChunksWritten.WithLabelValues(strconv.Itoa(pass)).Inc()
}

// RecordMerged adds the size of one merge output.
func (m *Metrics) RecordMerged(method string, size int64) {
	if m == nil {
		return
	}
	m.MergedBytes.WithLabelValues(method).Add(float64(size))
}

// WriteFile writes the registry in text exposition format. The file is
// replaced atomically.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
