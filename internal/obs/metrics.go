// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/odin-run/odin/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_tasks_claimed_total",
		Help: "Total number of tasks claimed from the inbox",
	})
	TasksAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_tasks_accepted_total",
		Help: "Total number of tasks moved to outbox",
	})
	TasksRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odin_tasks_rejected_total",
		Help: "Total number of tasks moved to rejected, by error_code",
	}, []string{"error_code"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "odin_queue_depth",
		Help: "Current number of files in a queue directory",
	}, []string{"directory"})
	PolicyDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odin_policy_decisions_total",
		Help: "Total number of policy decisions, by outcome status",
	}, []string{"status"})
	PluginRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odin_plugin_restarts_total",
		Help: "Total number of plugin subprocess restarts, by plugin name",
	}, []string{"plugin"})
	AuditSinkBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "odin_audit_sink_backlog",
		Help: "Number of audit events buffered but not yet flushed",
	})
	ActionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "odin_action_duration_seconds",
		Help:    "Histogram of action request-to-outcome durations",
		Buckets: prometheus.DefBuckets,
	})
	WorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "odin_workers_active",
		Help: "Number of active task-handler worker goroutines",
	})
)

func init() {
	prometheus.MustRegister(TasksClaimed, TasksAccepted, TasksRejected, QueueDepth,
		PolicyDecisions, PluginRestarts, AuditSinkBacklog, ActionDuration, WorkersActive)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Prefer StartHTTPServer, which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
