// Package metrics registers the Prometheus series exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dharsanguruparan/FieldLedger/internal/model"
)

var (
	// Submissions counts inbound messages by pipeline outcome.
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldledger_submissions_total",
			Help: "Inbound report messages by outcome.",
		},
		[]string{"outcome"},
	)

	// Enrichments counts extraction calls; result is "ok" or "fallback".
	Enrichments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldledger_enrichments_total",
			Help: "Field extraction calls by result.",
		},
		[]string{"result"},
	)

	// LedgerAppends counts sink calls; path is "direct" or "drain".
	LedgerAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldledger_ledger_appends_total",
			Help: "Ledger append attempts by path and result.",
		},
		[]string{"path", "result"},
	)

	// DrainRecords counts what happened to each leased record.
	DrainRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldledger_drain_records_total",
			Help: "Queue records handled by the drain loop by result.",
		},
		[]string{"result"},
	)

	// Drains counts drain loop runs; result is "completed", "stopped" or "skipped".
	Drains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldledger_drains_total",
			Help: "Drain loop runs by result.",
		},
		[]string{"result"},
	)

	queueRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fieldledger_queue_records",
			Help: "Durable queue records by status at the last observation.",
		},
		[]string{"status"},
	)
)

// ObserveQueue publishes queue counts.
func ObserveQueue(stats model.QueueStats) {
	queueRecords.WithLabelValues(string(model.StatusQueued)).Set(float64(stats.Queued))
	queueRecords.WithLabelValues(string(model.StatusProcessing)).Set(float64(stats.Processing))
	queueRecords.WithLabelValues(string(model.StatusDone)).Set(float64(stats.Done))
	queueRecords.WithLabelValues(string(model.StatusFailed)).Set(float64(stats.Failed))
}
