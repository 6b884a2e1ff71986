package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// TasksSubmitted counts tasks entering a dispatch pool, by pool kind.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_pool_tasks_submitted_total",
		Help: "Tasks submitted to a worker dispatch pool",
	}, []string{"pool"})

	// TasksCompleted counts tasks that resolved with a result.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_pool_tasks_completed_total",
		Help: "Tasks resolved with a result",
	}, []string{"pool"})

	// TasksFailed counts tasks that were rejected, timed out or abandoned.
	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_pool_tasks_failed_total",
		Help: "Tasks rejected, timed out or abandoned",
	}, []string{"pool", "reason"})

	// PoolQueueDepth tracks submitted-but-incomplete tasks per pool. This is
	// the backpressure signal; there is no hard admission control.
	PoolQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voicegate_pool_queue_depth",
		Help: "Submitted but incomplete tasks per pool",
	}, []string{"pool"})

	// StageLatency observes per-stage processing latency.
	StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicegate_stage_latency_seconds",
		Help:    "Latency per pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"stage"})

	// ActiveSessions tracks live call/gateway sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicegate_active_sessions",
		Help: "Currently active sessions",
	})

	// ActiveDialogs tracks open SIP dialogs.
	ActiveDialogs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicegate_active_dialogs",
		Help: "Currently open SIP dialogs",
	})

	// RegistrationUp is 1 while the SIP registration is current.
	RegistrationUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicegate_sip_registration_up",
		Help: "1 when SIP registration is current, 0 otherwise",
	})
)

// ObserveStage records a stage latency sample.
func ObserveStage(stage string, d time.Duration) {
	StageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// Serve exposes /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
