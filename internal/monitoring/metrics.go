// Package monitoring exposes Prometheus metrics for the gateway core.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ToolCalls counts pipeline outcomes by terminal status and risk level.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_tool_calls_total",
		Help: "Tool calls processed, by terminal status and risk level",
	}, []string{"status", "risk"})

	// StageLatency tracks per-stage pipeline latency.
	StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_pipeline_stage_seconds",
		Help:    "Latency of each supervisor pipeline stage",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30, 60},
	}, []string{"stage"})

	// ApprovalQueueDepth is the number of entries currently pending.
	ApprovalQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_approval_queue_depth",
		Help: "Tool calls currently awaiting a human decision",
	})

	// WorkerRestarts counts scheduled worker restarts.
	WorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_worker_restarts_total",
		Help: "Worker subprocess restarts scheduled by the pool",
	})

	// EventDrops counts events dropped at full subscriber queues.
	EventDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_event_drops_total",
		Help: "Events dropped because a subscriber queue was full",
	})

	// WebhookDeliveries counts webhook delivery outcomes.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_webhook_deliveries_total",
		Help: "Webhook deliveries, by outcome",
	}, []string{"outcome"})

	// RateLimited counts rejected calls by limiter scope.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limited_total",
		Help: "Calls rejected by rate limiting, by scope",
	}, []string{"scope"})

	// ScheduledRuns counts scheduler task executions by outcome.
	ScheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_scheduled_runs_total",
		Help: "Scheduler task runs, by outcome",
	}, []string{"outcome"})
)
