package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_runs_total",
			Help: "Total number of workflow runs by terminal status",
		},
		[]string{"task", "status"},
	)

	WorkflowRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_run_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"task"},
	)

	WorkflowStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_steps_total",
			Help: "Total number of step executions, split by cache replay",
		},
		[]string{"task", "replayed"},
	)

	// Scheduler metrics
	SchedulerCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_cycles_total",
			Help: "Total number of scheduler cycles run",
		},
	)

	SchedulerTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_triggers_total",
			Help: "Total number of recurring tasks dispatched",
		},
		[]string{"task"},
	)

	// Remote API client metrics
	RemoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_api_requests_total",
			Help: "Total number of outbound remote API requests",
		},
		[]string{"class", "status"},
	)

	RemoteThrottleDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remote_api_throttle_delay_seconds",
			Help:    "Delay spent waiting on the adaptive rate limiter",
			Buckets: []float64{0.05, 0.25, 1, 3, 5, 10, 30, 60},
		},
		[]string{"class"},
	)
)
