// Package metrics exposes extraction counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ekaya-inc/tap-loganalytics/pkg/logging"
)

// Metrics holds the tap's collectors. A nil *Metrics records nothing.
type Metrics struct {
	windowsCompleted *prometheus.CounterVec
	windowsFailed    *prometheus.CounterVec
	rowsEmitted      *prometheus.CounterVec
	queryAttempts    *prometheus.CounterVec
	coercionWarnings *prometheus.CounterVec
	bookmarkLag      *prometheus.GaugeVec
	runDuration      prometheus.Histogram
}

// New registers the collectors with r.
func New(r prometheus.Registerer) *Metrics {
	return &Metrics{
		windowsCompleted: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "tap_loganalytics_windows_completed_total",
			Help: "Total number of query windows fully emitted.",
		}, []string{"stream"}),
		windowsFailed: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "tap_loganalytics_windows_failed_total",
			Help: "Total number of query windows that failed.",
		}, []string{"stream", "reason"}),
		rowsEmitted: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "tap_loganalytics_rows_emitted_total",
			Help: "Total number of records written downstream.",
		}, []string{"stream"}),
		queryAttempts: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "tap_loganalytics_query_attempts_total",
			Help: "Total number of page requests by outcome.",
		}, []string{"stream", "outcome"}),
		coercionWarnings: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "tap_loganalytics_coercion_warnings_total",
			Help: "Total number of values emitted as strings because they did not fit the schema.",
		}, []string{"stream"}),
		bookmarkLag: promauto.With(r).NewGaugeVec(prometheus.GaugeOpts{
			Name: "tap_loganalytics_bookmark_lag_seconds",
			Help: "Seconds between now and the stream's persisted bookmark.",
		}, []string{"stream"}),
		runDuration: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Name:    "tap_loganalytics_run_duration_seconds",
			Help:    "Time taken by one extraction run.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
}

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (m *Metrics) WindowCompleted(stream string) {
	if m == nil {
		return
	}
	m.windowsCompleted.WithLabelValues(stream).Inc()
}

func (m *Metrics) WindowFailed(stream, reason string) {
	if m == nil {
		return
	}
	m.windowsFailed.WithLabelValues(stream, reason).Inc()
}

func (m *Metrics) RowsEmitted(stream string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.rowsEmitted.WithLabelValues(stream).Add(float64(n))
}

// QueryAttempt matches query.ExecutorConfig.OnAttempt.
func (m *Metrics) QueryAttempt(stream, outcome string) {
	if m == nil {
		return
	}
	m.queryAttempts.WithLabelValues(stream, outcome).Inc()
}

func (m *Metrics) CoercionWarnings(stream string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.coercionWarnings.WithLabelValues(stream).Add(float64(n))
}

func (m *Metrics) BookmarkLag(stream string, lag time.Duration) {
	if m == nil {
		return
	}
	m.bookmarkLag.WithLabelValues(stream).Set(lag.Seconds())
}

func (m *Metrics) RunDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
}

// Serve exposes g on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *zap.Logger) error {
	logger = logging.OrNop(logger).Named("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
		return nil
	}
}
