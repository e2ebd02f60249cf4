package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelgraph_fetches_total",
		Help: "Source fetches by entity kind and result",
	}, []string{"kind", "result"})

	ResolverIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelgraph_resolver_iterations_total",
		Help: "Expansion rounds executed by the frontier resolver",
	})

	TriplesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelgraph_triples_written_total",
		Help: "Triples acknowledged by the graph sink",
	})

	BatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelgraph_batch_failures_total",
		Help: "Graph sink batch write failures by outcome (retried, exhausted)",
	}, []string{"outcome"})

	ReconcileDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelgraph_reconcile_dropped_total",
		Help: "Records dropped during reconciliation by reason",
	}, []string{"kind", "reason"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modelgraph_run_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
	}, []string{"stage"})
)
