// Package metrics holds the Prometheus collectors shared by the research
// core. Collectors register with the default registry on package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NodeTransitions counts successful node status changes by target status.
	NodeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aicouncil_node_transitions_total",
		Help: "Successful node status transitions by target status",
	}, []string{"status"})

	// Conflicts counts lost compare-and-swap races by operation.
	Conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aicouncil_conflicts_total",
		Help: "Compare-and-swap conflicts by operation",
	}, []string{"operation"})

	// StoreRetries counts retries of operations that hit an unavailable store.
	StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aicouncil_store_retries_total",
		Help: "Store operations retried after a transient failure",
	}, []string{"operation"})

	// ResearchTasks counts finished node research tasks.
	ResearchTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aicouncil_research_tasks_total",
		Help: "Finished node research tasks by provider and outcome",
	}, []string{"provider", "outcome"})

	// ProviderCallDuration tracks provider call latency.
	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aicouncil_provider_call_duration_seconds",
		Help:    "Provider call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2min
	}, []string{"provider", "operation", "result"})

	// InFlight is the number of research tasks holding a budget slot.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aicouncil_research_in_flight",
		Help: "Research tasks currently holding a budget slot",
	})

	// StageApprovals counts approval attempts by result.
	StageApprovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aicouncil_stage_approvals_total",
		Help: "Stage approval attempts by result",
	}, []string{"result"})
)
