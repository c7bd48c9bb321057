// Package observability registers the Prometheus metrics every worker
// updates, following the teacher's flat var-block convention in
// control_plane/observability/metrics.go, renamed to the scheduler_ prefix.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PlannerLoopDuration tracks one minute-tick iteration's wall time.
	PlannerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_planner_loop_duration_seconds",
		Help:    "Duration of one planner minute-tick iteration",
		Buckets: prometheus.DefBuckets,
	})

	// PlannerDecisions tracks planner decisions by kind and reason.
	PlannerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_planner_decisions_total",
		Help: "Total number of planner decisions made, by kind and reason",
	}, []string{"kind", "reason"})

	// PlannerMinuteLag tracks how far behind wall-clock the planner is.
	PlannerMinuteLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_planner_minute_lag_seconds",
		Help: "Seconds between the wall clock and the last minute processed by the planner",
	})

	// DispatchClaimed tracks commands claimed per dispatch pass.
	DispatchClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_dispatch_claimed_total",
		Help: "Total number of commands claimed by the dispatcher",
	})

	// DispatchPublishFailures tracks failed publish attempts.
	DispatchPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_dispatch_publish_failures_total",
		Help: "Total number of failed command publish attempts",
	}, []string{"outcome"}) // "retry" or "terminal"

	// DispatchInflightGauge tracks current IN_FLIGHT command count.
	DispatchInflightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_dispatch_inflight_commands",
		Help: "Current number of commands in IN_FLIGHT state",
	})

	// AckConsumerProcessed tracks acks processed by outcome.
	AckConsumerProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_ack_consumer_processed_total",
		Help: "Total number of ack messages processed, by outcome",
	}, []string{"outcome"}) // "ok", "fail", "unknown_or_terminal", "malformed"

	// SweeperTimeouts tracks commands reaped for ack timeout.
	SweeperTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_sweeper_timeouts_total",
		Help: "Total number of IN_FLIGHT commands transitioned to ACK_FAIL by the timeout sweeper",
	})

	// IdempotencyDegraded tracks whether the idempotency store is degraded.
	IdempotencyDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_idempotency_degraded",
		Help: "1 if the idempotency store has fallen back to local-memory mode, 0 otherwise",
	})

	// TransportReconnects tracks transport reconnect attempts.
	TransportReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_transport_reconnects_total",
		Help: "Total number of transport reconnect attempts, by outcome",
	}, []string{"outcome"}) // "success", "failure"
)
