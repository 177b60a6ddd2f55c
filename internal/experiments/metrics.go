package experiments

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	assignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitlab_assignments_total",
		Help: "Assignment requests by outcome",
	}, []string{"outcome"})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitlab_participation_events_total",
		Help: "Participation events appended to the ledger",
	}, []string{"event"})

	resultsDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "splitlab_results_computation_seconds",
		Help:    "Duration of result snapshot computations",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	storeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "splitlab_store_query_seconds",
		Help:    "Duration of registry and ledger store operations",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	}, []string{"operation"})

	lifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitlab_lifecycle_transitions_total",
		Help: "Experiment lifecycle transitions by verb and result",
	}, []string{"verb", "result"})
)

// Assignment outcome labels.
const (
	outcomeNew        = "new"
	outcomeExisting   = "existing"
	outcomeIneligible = "ineligible"
	outcomeExcluded   = "excluded"
	outcomeError      = "error"
)
