// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	queueFullOpportunities   = metrics.NewCounter("opportunities_queue_full_total")
	duplicateOpportunities   = metrics.NewCounter("opportunities_duplicate_total")
	retriedOpportunities     = metrics.NewCounter("opportunities_retried_total")
	markedElsewhere          = metrics.NewCounter("opportunities_marked_elsewhere_total")
	nonceAllocations         = metrics.NewCounter("nonce_allocations_total")
	seenTransactionsSkipped  = metrics.NewCounter("pending_transactions_seen_skipped_total")
	eventSourceReconnects    = metrics.NewCounter("event_source_reconnects_total")
	sinkErrors               = metrics.NewCounter("execution_sink_errors_total")
	inflightExecutions       = metrics.NewCounter("executions_inflight")
	confirmationDurationHist = metrics.NewHistogram("transaction_confirmation_duration_milliseconds")
)

func IncEventReceived(eventType string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`events_received_total{type=%q}`, eventType)).Inc()
}

func AddOpportunitiesDetected(strategy string, n int) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`opportunities_detected_total{strategy=%q}`, strategy)).Add(n)
}

func IncStrategyError(strategy, op string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`strategy_errors_total{strategy=%q,op=%q}`, strategy, op)).Inc()
}

func IncCacheEvicted(reason string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`opportunities_cache_evicted_total{reason=%q}`, reason)).Inc()
}

func IncQueueFullOpportunities() {
	queueFullOpportunities.Inc()
}

func IncDuplicateOpportunities() {
	duplicateOpportunities.Inc()
}

func IncRetriedOpportunities() {
	retriedOpportunities.Inc()
}

func IncMarkedElsewhere() {
	markedElsewhere.Inc()
}

func IncNonceAllocations() {
	nonceAllocations.Inc()
}

func IncSeenTransactionsSkipped() {
	seenTransactionsSkipped.Inc()
}

func IncEventSourceReconnects() {
	eventSourceReconnects.Inc()
}

func IncSinkErrors() {
	sinkErrors.Inc()
}

func IncInflightExecutions() {
	inflightExecutions.Inc()
}

func DecInflightExecutions() {
	inflightExecutions.Dec()
}

func IncGateRejected(reason string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`opportunities_gate_rejected_total{reason=%q}`, reason)).Inc()
}

func IncTransactionSubmitted(leg string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`transactions_submitted_total{leg=%q}`, leg)).Inc()
}

func IncOpportunityFinished(kind, state string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`opportunities_finished_total{kind=%q,state=%q}`, kind, state)).Inc()
}

func AddEstimatedProfitEth(kind string, eth float64) {
	metrics.GetOrCreateFloatCounter(fmt.Sprintf(`opportunities_completed_profit_eth_total{kind=%q}`, kind)).Add(eth)
}

func RecordExecutionDuration(kind string, duration time.Duration) {
	metrics.GetOrCreateHistogram(fmt.Sprintf(`execution_duration_milliseconds{kind=%q}`, kind)).Update(float64(duration.Milliseconds()))
}

func RecordConfirmationDuration(duration time.Duration) {
	confirmationDurationHist.Update(float64(duration.Milliseconds()))
}
