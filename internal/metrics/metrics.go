// Package metrics registers the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FactsProcessed counts dispatched facts by type and outcome
	// (ack, retry, dead_letter).
	FactsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "examio_facts_processed_total",
		Help: "Facts delivered to the dispatcher, by fact type and outcome.",
	}, []string{"type", "outcome"})

	// WebhookReconciliations counts webhook reconcile calls by outcome
	// (handled, unmatched).
	WebhookReconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "examio_webhook_reconciliations_total",
		Help: "Payment webhook reconciliations, by outcome.",
	}, []string{"outcome"})

	// LedgerMutations counts committed wallet mutations by operation
	// (credit, debit, provision).
	LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "examio_ledger_mutations_total",
		Help: "Committed wallet mutations, by operation.",
	}, []string{"op"})
)
