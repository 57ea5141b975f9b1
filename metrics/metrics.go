// Package metrics exposes the scheduler, reactor, and RPC dispatcher's
// internal state as Prometheus collectors, registered via promauto at
// package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of fibers waiting in the scheduler's
	// ready queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fiberd_scheduler_queue_depth",
		Help: "Current number of runnable fibers waiting in the scheduler queue",
	})

	// ActiveWorkers tracks how many worker threads currently have a fiber
	// resumed and running.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fiberd_scheduler_active_workers",
		Help: "Number of worker threads currently running a fiber",
	})

	// WorkerCount tracks the total number of worker threads the scheduler
	// was started with.
	WorkerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fiberd_scheduler_worker_count",
		Help: "Total number of worker threads owned by the scheduler",
	})

	// OutstandingEvents tracks the number of fd/event pairs currently
	// armed in the I/O reactor awaiting readiness.
	OutstandingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fiberd_ioreactor_outstanding_events",
		Help: "Number of armed (fd, event) registrations awaiting epoll readiness",
	})

	// NextTimerDeadline tracks milliseconds until the earliest armed
	// timer fires, letting an operator see how close the reactor is to
	// its next forced wakeup. -1 means no timer is armed.
	NextTimerDeadline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fiberd_timer_next_deadline_ms",
		Help: "Milliseconds until the next timer deadline, -1 if no timer is armed",
	})

	// RPCCallDuration tracks server-side handler latency, labeled by
	// service/method/outcome.
	RPCCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fiberd_rpc_call_duration_seconds",
		Help:    "Server-side RPC handler execution time",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "method", "outcome"})

	// RPCRequestsTotal counts handled requests by outcome.
	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiberd_rpc_requests_total",
		Help: "Total RPC requests handled, by service/method/outcome",
	}, []string{"service", "method", "outcome"})

	// RPCBreakerState tracks the overload breaker's current state
	// (0=closed, 1=half_open, 2=open).
	RPCBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fiberd_rpc_breaker_state",
		Help: "Overload breaker state (0=closed, 1=half_open, 2=open)",
	})

	// RPCConnectionsRejected counts connections the overload breaker
	// refused to hand a fiber.
	RPCConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fiberd_rpc_connections_rejected_total",
		Help: "Connections refused by the overload breaker before a handler fiber was spawned",
	})
)
