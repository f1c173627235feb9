// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	plansReceived      = metrics.NewCounter("plans_received_total")
	plansReceivedValid = metrics.NewCounter("plans_received_valid_total")
	plansStarted       = metrics.NewCounter("plans_started_total")
	queueFullPlans     = metrics.NewCounter("plans_queue_full_total")
	queueRequeuedPlans = metrics.NewCounter("plans_queue_requeued_total")
	queueDroppedPlans  = metrics.NewCounter("plans_queue_dropped_total")
	swapsBlocked       = metrics.NewCounter("swaps_blocked_total")
	quotesFetched      = metrics.NewCounter("swap_quotes_fetched_total")
	quoteFetchErrors   = metrics.NewCounter("swap_quotes_fetch_errors_total")
	historyErrors      = metrics.NewCounter("execution_history_errors_total")

	queueProcessDuration = metrics.NewSummary("plans_queue_process_duration_milliseconds")
)

const (
	rpcCallDurationLabel = `rpc_call_duration_milliseconds{chain="%s",op="%s"}`
	rpcFailuresLabel     = `rpc_call_failures_total{chain="%s",op="%s"}`
	rpcCacheHitsLabel    = `rpc_cache_hits_total{chain="%s",op="%s"}`
	rpcCacheMissesLabel  = `rpc_cache_misses_total{chain="%s",op="%s"}`
	rpcBreakerOpenLabel  = `rpc_breaker_opened_total{chain="%s"}`

	planFinishedLabel    = `plans_finished_total{status="%s"}`
	stepDurationLabel    = `step_duration_milliseconds{kind="%s"}`
	stepFailedLabel      = `steps_failed_total{kind="%s"}`
	stepRetriedLabel     = `steps_retried_total{kind="%s"}`
	txBroadcastLabel     = `transactions_broadcast_total{route="%s"}`
	signatureLabel       = `signature_requests_total{status="%s"}`
	replacementLabel     = `transaction_replacements_total{kind="%s"}`
	nonceOperationsLabel = `nonce_operations_total{op="%s"}`

	apiCallDurationLabel = `api_call_duration_milliseconds{method="%s"}`
	apiCallFailureLabel  = `api_call_failures_total{method="%s"}`
)

func IncPlansReceived() {
	plansReceived.Inc()
}

func IncPlansReceivedValid() {
	plansReceivedValid.Inc()
}

func IncPlansStarted() {
	plansStarted.Inc()
}

func IncPlanFinished(status string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(planFinishedLabel, status)).Inc()
}

func IncQueueFullPlans() {
	queueFullPlans.Inc()
}

func IncQueueRequeuedPlans() {
	queueRequeuedPlans.Inc()
}

func IncQueueDroppedPlans() {
	queueDroppedPlans.Inc()
}

func RecordQueueProcessDuration(ms int64) {
	queueProcessDuration.Update(float64(ms))
}

func IncSwapsBlocked() {
	swapsBlocked.Inc()
}

func IncQuotesFetched() {
	quotesFetched.Inc()
}

func IncQuoteFetchErrors() {
	quoteFetchErrors.Inc()
}

func IncHistoryErrors() {
	historyErrors.Inc()
}

func RecordRPCCallDuration(chain, op string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(rpcCallDurationLabel, chain, op)).Update(float64(ms))
}

func IncRPCFailure(chain, op string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(rpcFailuresLabel, chain, op)).Inc()
}

func IncRPCCacheHit(chain, op string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(rpcCacheHitsLabel, chain, op)).Inc()
}

func IncRPCCacheMiss(chain, op string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(rpcCacheMissesLabel, chain, op)).Inc()
}

func IncRPCBreakerOpened(chain string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(rpcBreakerOpenLabel, chain)).Inc()
}

func RecordStepDuration(kind string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(stepDurationLabel, kind)).Update(float64(ms))
}

func IncStepFailed(kind string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(stepFailedLabel, kind)).Inc()
}

func IncStepRetried(kind string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(stepRetriedLabel, kind)).Inc()
}

// IncTxBroadcast counts broadcasts by route, public or private
func IncTxBroadcast(route string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(txBroadcastLabel, route)).Inc()
}

func IncSignatureRequest(status string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(signatureLabel, status)).Inc()
}

func IncReplacement(kind string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(replacementLabel, kind)).Inc()
}

func IncNonceOperation(op string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(nonceOperationsLabel, op)).Inc()
}

func RecordAPICallDuration(method string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(apiCallDurationLabel, method)).Update(float64(ms))
}

func IncAPICallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(apiCallFailureLabel, method)).Inc()
}
