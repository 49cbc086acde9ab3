package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	SessionsCompleted *prometheus.CounterVec
	AttemptsRecorded  *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	VersionConflicts  prometheus.Counter
	SweeperRuns       prometheus.Counter
	SweeperTimeouts   prometheus.Counter
	AuditDropped      prometheus.Counter
	AuditPublished    prometheus.Counter
	AuditConsumed     *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veriflow_sessions_created_total",
			Help: "Total number of verification sessions created",
		}),
		SessionsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_sessions_completed_total",
			Help: "Total number of sessions reaching a terminal state, by state",
		}, []string{"state"}),
		AttemptsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_attempts_total",
			Help: "Total number of verification attempts, by method and outcome",
		}, []string{"method", "outcome"}),
		RateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_rate_limited_total",
			Help: "Total number of requests rejected by a rate governor, by scope",
		}, []string{"scope"}),
		VersionConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veriflow_version_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts on session writes",
		}),
		SweeperRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veriflow_sweeper_runs_total",
			Help: "Total number of expiry sweeper passes",
		}),
		SweeperTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veriflow_sweeper_timeouts_total",
			Help: "Total number of sessions moved to timeout by the sweeper",
		}),
		AuditDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veriflow_audit_dropped_total",
			Help: "Total number of audit events dropped because the buffer was full",
		}),
		AuditPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veriflow_audit_published_total",
			Help: "Total number of audit events relayed from the outbox to Kafka",
		}),
		AuditConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_audit_consumed_total",
			Help: "Total number of audit events consumed from Kafka, by category",
		}, []string{"category"}),
	}
}
