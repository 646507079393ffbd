package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for remote file operations.
//
// Every method is safe to call on a nil *Metrics or on one built from a
// disabled config; such calls do nothing.
type Metrics struct {
	config MetricsConfig

	// Connection metrics
	connects *prometheus.CounterVec

	// Transfer metrics
	transfers        *prometheus.CounterVec
	transferBytes    *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec

	// Listing metrics
	listings *prometheus.CounterVec

	// Privileged command metrics
	privilegedCommands *prometheus.CounterVec

	// Edit session metrics
	editSessionsActive prometheus.Gauge
	editUploads        *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
}

// Status label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connects_total",
				Help:      "Total number of connection attempts",
			},
			[]string{"transport", "status"},
		),

		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Total number of file and directory transfers",
			},
			[]string{"direction", "transport", "status"},
		),
		transferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_bytes_total",
				Help:      "Total number of bytes moved by transfers",
			},
			[]string{"direction", "transport"},
		),
		transferDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Duration of transfers in seconds",
				Buckets:   buckets,
			},
			[]string{"direction", "transport"},
		),

		listings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "listings_total",
				Help:      "Total number of directory listings",
			},
			[]string{"transport", "status"},
		),

		privilegedCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "privileged_commands_total",
				Help:      "Total number of commands run through sudo",
			},
			[]string{"command", "status"},
		),

		editSessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "edit_sessions_active",
				Help:      "Current number of open edit sessions",
			},
		),
		editUploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "edit_uploads_total",
				Help:      "Total number of edit session uploads",
			},
			[]string{"trigger", "status"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of errors by error kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.connects,
		m.transfers,
		m.transferBytes,
		m.transferDuration,
		m.listings,
		m.privilegedCommands,
		m.editSessionsActive,
		m.editUploads,
		m.errorsByKind,
	)

	return m, nil
}

func statusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// RecordConnect records a connection attempt.
func (m *Metrics) RecordConnect(transport string, err error) {
	if m == nil || m.connects == nil {
		return
	}
	m.connects.WithLabelValues(transport, statusOf(err)).Inc()
}

// RecordTransfer records a completed or failed transfer.
func (m *Metrics) RecordTransfer(direction, transport string, bytes int64, duration time.Duration, err error) {
	if m == nil || m.transfers == nil {
		return
	}
	m.transfers.WithLabelValues(direction, transport, statusOf(err)).Inc()
	if bytes > 0 {
		m.transferBytes.WithLabelValues(direction, transport).Add(float64(bytes))
	}
	m.transferDuration.WithLabelValues(direction, transport).Observe(duration.Seconds())
}

// RecordListing records a directory listing.
func (m *Metrics) RecordListing(transport string, err error) {
	if m == nil || m.listings == nil {
		return
	}
	m.listings.WithLabelValues(transport, statusOf(err)).Inc()
}

// RecordPrivilegedCommand records a command run through sudo. command is the
// program name only, never the full line.
func (m *Metrics) RecordPrivilegedCommand(command string, err error) {
	if m == nil || m.privilegedCommands == nil {
		return
	}
	m.privilegedCommands.WithLabelValues(command, statusOf(err)).Inc()
}

// EditSessionOpened increments the active edit session gauge.
func (m *Metrics) EditSessionOpened() {
	if m == nil || m.editSessionsActive == nil {
		return
	}
	m.editSessionsActive.Inc()
}

// EditSessionClosed decrements the active edit session gauge.
func (m *Metrics) EditSessionClosed() {
	if m == nil || m.editSessionsActive == nil {
		return
	}
	m.editSessionsActive.Dec()
}

// RecordEditUpload records an edit session upload and what triggered it.
func (m *Metrics) RecordEditUpload(trigger string, err error) {
	if m == nil || m.editUploads == nil {
		return
	}
	m.editUploads.WithLabelValues(trigger, statusOf(err)).Inc()
}

// RecordError records an error by kind.
func (m *Metrics) RecordError(kind string) {
	if m == nil || m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint in the background until ctx
// is done. It does nothing when metrics are disabled or no listen address is
// configured.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
