package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	internallog "github.com/fluxkit/flux/internal/log"
)

var (
	taskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flux_task_outcomes_total",
			Help: "Terminal task reports by backend and status",
		},
		[]string{"backend", "status"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flux_task_duration_seconds",
			Help:    "Task execution duration by backend",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	drainErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flux_drain_errors_total",
		Help: "Cadence drain failures",
	})

	tasksPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flux_push_notifications_total",
		Help: "task.available notifications received over the push socket",
	})
)

// serveMetrics exposes /metrics on addr until ctx is cancelled. Errors are
// logged, never fatal; the runner works fine without the listener.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info("metrics listener started", internallog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics listener failed", internallog.Error(err))
	}
}
