// Package metrics constructs one prometheus.Registry at process start and
// hands out the typed collector bundles each component needs. No component
// in this module reaches a package-level global registry — every metric is
// threaded through explicitly, mirroring the "forbid implicit global access"
// design note applied to observability as well as configuration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"farmengine/internal/market"
	"farmengine/internal/scheduler"
	"farmengine/internal/taskloop"
)

// Registry owns the prometheus collectors for every component.
type Registry struct {
	reg *prometheus.Registry

	Scheduler *scheduler.Metrics
	Market    *market.Metrics
	TaskLoop  *taskloop.Metrics
}

// NewRegistry constructs and registers every collector. Callers expose
// reg.Gatherer() to whatever adapter scrapes /metrics; the core itself never
// starts an HTTP listener.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	sched := &scheduler.Metrics{
		DueTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schedule_due_total", Help: "Harvest/care entries found due across all dispatch ticks.",
		}),
		FireLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "schedule_fire_latency_seconds", Help: "Per-player lock+reconcile latency during harvest dispatch.",
			Buckets: prometheus.DefBuckets,
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "schedule_pending", Help: "Outstanding entries across both sorted sets, as of the last Stats() call.",
		}),
		DroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schedule_dropped_total", Help: "Care checkpoints dropped after exceeding the retry budget.",
		}),
	}
	reg.MustRegister(sched.DueTotal, sched.FireLatency, sched.Pending, sched.DroppedTotal)

	mkt := &market.Metrics{
		TransactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "market_transactions_total", Help: "RecordTransaction calls accepted for floating-price items.",
		}),
		PersistTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "market_persist_total", Help: "Market snapshot flushes written to disk.",
		}),
	}
	reg.MustRegister(mkt.TransactionsTotal, mkt.PersistTotal)

	tl := &taskloop.Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskloop_runs_total", Help: "TaskLoop job runs by job name and outcome.",
		}, []string{"job", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "taskloop_run_duration_seconds", Help: "TaskLoop job run duration by job name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
	reg.MustRegister(tl.RunsTotal, tl.RunDuration)

	return &Registry{reg: reg, Scheduler: sched, Market: mkt, TaskLoop: tl}
}

// Gatherer exposes the underlying prometheus.Gatherer for an adapter's
// /metrics endpoint; the core never serves it itself.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
