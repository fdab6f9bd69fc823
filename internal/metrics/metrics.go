// Package metrics exposes prometheus collectors for the sync layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCAttempts counts remote attempts per operation, by disposition.
	RPCAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync_layer",
		Name:      "rpc_attempts_total",
		Help:      "Remote call attempts by operation and disposition.",
	}, []string{"op", "disposition"})

	// RPCRetries counts attempts consumed by transient-referential retries.
	RPCRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync_layer",
		Name:      "rpc_retries_total",
		Help:      "Retries triggered by transient referential failures.",
	}, []string{"op"})

	// ReloadsApplied counts conversation reloads whose result was applied.
	ReloadsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sync_layer",
		Name:      "conversation_reloads_applied_total",
		Help:      "Conversation reloads applied to the replay cache.",
	})

	// ReloadsDiscarded counts reloads discarded as stale by sequence check.
	ReloadsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sync_layer",
		Name:      "conversation_reloads_discarded_total",
		Help:      "Conversation reloads discarded because a newer reload already applied.",
	})

	// RealtimeEvents counts change notifications received per table.
	RealtimeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync_layer",
		Name:      "realtime_events_total",
		Help:      "Realtime change notifications received, by table.",
	}, []string{"table"})

	// CatalogReloads counts catalog cache reloads.
	CatalogReloads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sync_layer",
		Name:      "catalog_reloads_total",
		Help:      "Catalog cache reloads.",
	})
)
