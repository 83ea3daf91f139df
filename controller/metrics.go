package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	eventsTotal     *prometheus.CounterVec
	runsTotal       *prometheus.CounterVec
	jobsTotal       *prometheus.CounterVec
	stepsTotal      *prometheus.CounterVec
	publishFailures prometheus.Counter
	activeRuns      prometheus.Gauge
	queuedRuns      prometheus.Gauge
	jobDuration     prometheus.Histogram
}

func newMetrics(reg *prometheus.Registry) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_events_total",
			Help: "Events received, by kind.",
		}, []string{"kind"}),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_runs_total",
			Help: "Runs finished, by terminal status.",
		}, []string{"status"}),
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_jobs_total",
			Help: "Job instances finished, by terminal status.",
		}, []string{"status"}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_steps_total",
			Help: "Steps finished, by terminal status.",
		}, []string{"status"}),
		publishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_publish_failures_total",
			Help: "Aggregate publishes that failed after retries.",
		}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_active_runs",
			Help: "Runs currently executing.",
		}),
		queuedRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_queued_runs",
			Help: "Runs waiting on a concurrency group.",
		}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_job_duration_seconds",
			Help:    "Wall clock of finished job instances.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}
