// Package observability exposes Prometheus metrics for the analysis
// pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts finished analysis cycles by result.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sybilla_cycles_total",
		Help: "Total number of completed analysis cycles",
	}, []string{"result"})

	// CycleDuration tracks full cycle wall time.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sybilla_cycle_duration_seconds",
		Help:    "Duration of one full analysis cycle",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// StepDuration tracks per-step wall time inside a cycle.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sybilla_step_duration_seconds",
		Help:    "Duration of individual pipeline steps",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})

	// QueriesTotal counts analytics dimension queries by outcome.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sybilla_queries_total",
		Help: "Total analytics queries issued, by dimension and result",
	}, []string{"dimension", "result"})

	// AssessmentsTotal counts produced assessments by provenance.
	AssessmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sybilla_assessments_total",
		Help: "Total insight assessments produced, by provenance",
	}, []string{"provenance"})

	// ArchiveUploads counts artifact upload attempts by result.
	ArchiveUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sybilla_archive_uploads_total",
		Help: "Total artifact uploads to the archive store",
	}, []string{"result"})

	// SchedulerMode reflects the current scheduler mode.
	SchedulerMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sybilla_scheduler_mode",
		Help: "Current scheduler mode (the active mode carries value 1)",
	}, []string{"mode"})
)
