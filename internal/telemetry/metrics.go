package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconstruction_jobs_created_total", Help: "Jobs created via the API"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconstruction_jobs_completed_total", Help: "Jobs that produced a model"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconstruction_jobs_failed_total", Help: "Jobs that ended failed"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconstruction_jobs_cancelled_total", Help: "Jobs cancelled by request"})
	UploadRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconstruction_upload_rejects_total", Help: "Uploads rejected by validation"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconstruction_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	ActivePipelines  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reconstruction_active_pipelines", Help: "External pipeline processes currently running"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reconstruction_queue_depth", Help: "Jobs waiting in the ready queue"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			UploadRejects,
			RateLimitRejects,
			ActivePipelines,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
