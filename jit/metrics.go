package jit

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	LabelSuccess = "success"
	LabelHit     = "hit"
	LabelMiss    = "miss"

	StagePreprocess = "preprocess"
	StageCodegen    = "codegen"
	StageLoad       = "load"
	StageLink       = "link"
)

// Metrics holds the compile metrics. One instance may be shared by every
// Compiler of a Pool.
type Metrics struct {
	Compiles        *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	CompileDuration *prometheus.HistogramVec
	StageDuration   *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	const (
		namespace = "cppjit"
		subsystem = "compiler"
	)

	return &Metrics{
		Compiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "compiles_total",
			Help:      "Count of compile requests by result",
		}, []string{"result"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_lookups_total",
			Help:      "Count of bitcode cache lookups by outcome",
		}, []string{"result"}),

		CompileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "compile_duration_seconds",
			Help:      "Histogram of end-to-end compile times",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 4, 8),
		}, []string{"result"}),

		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_duration_seconds",
			Help:      "Histogram of times spent in each pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 9),
		}, []string{"stage"}),
	}
}

func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Compiles,
		m.CacheLookups,
		m.CompileDuration,
		m.StageDuration,
	}
}

func resultLabel(err error) string {
	if err == nil {
		return LabelSuccess
	}
	return string(ErrorKind(err))
}
