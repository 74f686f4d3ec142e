// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles        prometheus.Counter
	PollFailures      prometheus.Counter
	StatusTransitions prometheus.Counter
	ChatStored        prometheus.Counter
	ChatStoreFailed   prometheus.Counter
	ChatRejected      prometheus.Counter
	EmailsSent        prometheus.Counter
	EmailsFailed      prometheus.Counter
	NotifyBatches     prometheus.Counter

	// Histograms (seconds)
	PollDuration prometheus.Observer

	// Gauges
	ConnectedClients prometheus.Gauge
	ListenersGauge   prometheus.Gauge
	StreamOnline     prometheus.Gauge // 1=online,0=offline
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "radio_status_polls_total", Help: "Number of status polls performed"})
		PollFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "radio_status_poll_failures_total", Help: "Number of status polls that failed or returned a bad body"})
		StatusTransitions = promauto.NewCounter(prometheus.CounterOpts{Name: "radio_status_transitions_total", Help: "Number of status updates broadcast to subscribers"})
		ChatStored = promauto.NewCounter(prometheus.CounterOpts{Name: "radio_chat_messages_stored_total", Help: "Number of chat messages persisted"})
		ChatStoreFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "radio_chat_store_failures_total", Help: "Number of chat persistence failures"})
		ChatRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "radio_chat_rejected_total", Help: "Number of chat submissions rejected (guest or empty)"})
		EmailsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "radio_notify_emails_sent_total", Help: "Number of go-live notification emails sent"})
		EmailsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "radio_notify_emails_failed_total", Help: "Number of go-live notification emails that failed to send"})
		NotifyBatches = promauto.NewCounter(prometheus.CounterOpts{Name: "radio_notify_batches_total", Help: "Number of go-live notification batches fired"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "radio_status_poll_duration_seconds", Help: "Status poll duration seconds", Buckets: prometheus.DefBuckets})
		ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{Name: "radio_connected_clients", Help: "Current number of websocket sessions"})
		ListenersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "radio_stream_listeners", Help: "Listener count reported by the stream source"})
		StreamOnline = promauto.NewGauge(prometheus.GaugeOpts{Name: "radio_stream_online", Help: "Stream online=1 offline=0"})
	})
}

// UpdateOnlineGauge sets gauge to 1 if online else 0.
func UpdateOnlineGauge(online bool) {
	if StreamOnline != nil {
		if online {
			StreamOnline.Set(1)
		} else {
			StreamOnline.Set(0)
		}
	}
}

// SetListeners records the listener count from the latest poll.
func SetListeners(n int) {
	if ListenersGauge != nil {
		ListenersGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
