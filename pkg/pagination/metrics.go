package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Completion outcomes recorded in songlist_fetch_completed_total.
const (
	outcomeOK    = "ok"
	outcomeEnded = "ended"
	outcomeError = "error"
	outcomeStale = "stale"
)

// Prometheus metrics for pagination coordination.
var (
	fetchPreparedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "songlist_fetch_prepared_total",
		Help: "Total number of fetches permitted to start by kind",
	}, []string{"kind"})

	fetchRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "songlist_fetch_rejected_total",
		Help: "Total number of fetches rejected because another fetch was in flight or the list ended",
	}, []string{"kind"})

	fetchCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "songlist_fetch_completed_total",
		Help: "Total number of fetch completions by kind and outcome",
	}, []string{"kind", "outcome"})
)
