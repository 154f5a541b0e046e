// Package metrics collects per-run pipeline counters in a private Prometheus
// registry and writes them out in the node-exporter textfile format.
package metrics

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
)

const namespace = "taxi_demand"

// Metrics holds the collectors for one pipeline run.
type Metrics struct {
	reg *prometheus.Registry

	TripsRead      prometheus.Counter
	RowsDropped    *prometheus.CounterVec
	GridRows       prometheus.Gauge
	Cells          prometheus.Gauge
	Hours          prometheus.Gauge
	Clusters       prometheus.Gauge
	StageDuration  *prometheus.GaugeVec
	StageRuns      *prometheus.CounterVec
	CacheHits      *prometheus.CounterVec
	ValidationMAE  prometheus.Gauge
	ValidationRMSE prometheus.Gauge
	BestIteration  prometheus.Gauge
	LastSuccess    prometheus.Gauge
}

// New registers a fresh set of collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		TripsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trips_read_total",
			Help:      "Trip records read from the raw input.",
		}),
		RowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_dropped_total",
			Help:      "Trip records dropped before aggregation, by reason.",
		}, []string{"reason"}),
		GridRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grid_rows",
			Help:      "Rows in the dense (cell, hour) demand grid.",
		}),
		Cells: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cells",
			Help:      "Distinct hex cells in the demand grid.",
		}),
		Hours: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hours",
			Help:      "Hours spanned by the demand grid.",
		}),
		Clusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clusters",
			Help:      "Hotspot clusters after clipping k to the cell count.",
		}),
		StageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of the last execution of each stage.",
		}, []string{"stage"}),
		StageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Stage executions by outcome.",
		}, []string{"stage", "status"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Stages served from a cached artifact.",
		}, []string{"stage"}),
		ValidationMAE: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validation_mae",
			Help:      "Mean absolute error on the validation window.",
		}),
		ValidationRMSE: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validation_rmse",
			Help:      "Root mean squared error on the validation window.",
		}),
		BestIteration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_iteration",
			Help:      "Boosting iteration kept after early stopping.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last fully successful run.",
		}),
	}
	m.reg.MustRegister(
		m.TripsRead, m.RowsDropped, m.GridRows, m.Cells, m.Hours, m.Clusters,
		m.StageDuration, m.StageRuns, m.CacheHits,
		m.ValidationMAE, m.ValidationRMSE, m.BestIteration, m.LastSuccess,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// ObserveStage records the duration and outcome of a stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StageDuration.WithLabelValues(stage).Set(d.Seconds())
	m.StageRuns.WithLabelValues(stage, status).Inc()
}

// MarkSuccess stamps the last-success gauge.
func (m *Metrics) MarkSuccess(at time.Time) {
	m.LastSuccess.Set(float64(at.Unix()))
}

// WriteTextfile writes the registry to path. An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "metrics: create textfile dir")
	}
	return eris.Wrapf(prometheus.WriteToTextfile(path, m.reg), "metrics: write %s", path)
}
