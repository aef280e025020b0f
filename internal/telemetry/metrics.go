package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BuildsEnqueued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_enqueued_total", Help: "Total build jobs enqueued"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	BuildsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_completed_total", Help: "Build jobs completed successfully"})
	BuildsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_failed_total", Help: "Build jobs that reached failed status"})
	MonitorTicks     = prometheus.NewCounter(prometheus.CounterOpts{Name: "monitor_ticks_total", Help: "Monitor poll passes executed"})
	AutoFixesApplied = prometheus.NewCounter(prometheus.CounterOpts{Name: "monitor_autofixes_total", Help: "Automated remediations applied"})
	BacklogCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "monitor_backlog_items_total", Help: "Jobs escalated to the backlog"})
	ActiveBuilds     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "monitor_active_builds", Help: "Jobs currently tracked by the monitor"})
	QueueDepth       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "builds_queue_depth", Help: "Ready queue depth"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BuildsEnqueued,
			RateLimitRejects,
			BuildsCompleted,
			BuildsFailed,
			MonitorTicks,
			AutoFixesApplied,
			BacklogCreated,
			ActiveBuilds,
			QueueDepth,
		)
	})
	return promhttp.Handler()
}
