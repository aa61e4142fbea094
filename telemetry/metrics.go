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

	// Monitor
	MonitorCycles        prometheus.Counter
	MonitorCycleFailures prometheus.Counter
	MonitorLeader        prometheus.Gauge
	DriftCorrections     prometheus.Counter
	MonitorCycleDuration prometheus.Observer

	// Webhook ingestion, labelled by outcome (ok, duplicate, ignored, revoked, invalid-json, forbidden, challenge)
	EventSubMessages *prometheus.CounterVec

	// Discord delivery
	NotificationsSent   prometheus.Counter
	NotificationsFailed *prometheus.CounterVec

	// Twitch Helix
	HelixRequests        *prometheus.CounterVec
	HelixRequestDuration prometheus.Observer
	TokenRefreshes       *prometheus.CounterVec
	CircuitOpenGauge     prometheus.Gauge // 1=open,0=closed

	// Registry
	TrackedBroadcasters prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MonitorCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_cycles_total", Help: "Number of reconciliation cycles run by the leader"})
		MonitorCycleFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_cycle_failures", Help: "Number of reconciliation cycles where at least one step failed"})
		MonitorLeader = promauto.NewGauge(prometheus.GaugeOpts{Name: "monitor_leader", Help: "1 when this instance holds the monitor lock"})
		DriftCorrections = promauto.NewCounter(prometheus.CounterOpts{Name: "live_state_drift_corrections_total", Help: "Registry rows reset to offline because Twitch no longer reports them live"})
		MonitorCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "monitor_cycle_duration_seconds", Help: "Reconciliation cycle duration seconds", Buckets: prometheus.DefBuckets})
		EventSubMessages = promauto.NewCounterVec(prometheus.CounterOpts{Name: "eventsub_messages_total", Help: "EventSub webhook deliveries by outcome"}, []string{"outcome"})
		NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "live_notifications_sent_total", Help: "Live announcements delivered to Discord"})
		NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_notifications_failed_total", Help: "Live announcements that could not be delivered"}, []string{"reason"})
		HelixRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "twitch_helix_requests_total", Help: "Twitch Helix requests by endpoint and status"}, []string{"endpoint", "status"})
		HelixRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "twitch_helix_request_duration_seconds", Help: "Twitch Helix request duration seconds", Buckets: prometheus.DefBuckets})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "twitch_app_token_refreshes_total", Help: "App access token refresh attempts by result"}, []string{"result"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "twitch_circuit_open", Help: "Twitch circuit breaker open=1 closed=0"})
		TrackedBroadcasters = promauto.NewGauge(prometheus.GaugeOpts{Name: "tracked_broadcasters", Help: "Distinct broadcasters in the registry"})
	})
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge == nil {
		return
	}
	if open {
		CircuitOpenGauge.Set(1)
	} else {
		CircuitOpenGauge.Set(0)
	}
}

// SetLeader records whether this replica runs the monitor.
func SetLeader(leader bool) {
	if MonitorLeader == nil {
		return
	}
	if leader {
		MonitorLeader.Set(1)
	} else {
		MonitorLeader.Set(0)
	}
}

// SetTrackedBroadcasters records the distinct broadcaster count.
func SetTrackedBroadcasters(n int) {
	if TrackedBroadcasters != nil {
		TrackedBroadcasters.Set(float64(n))
	}
}

// IncEventSub counts one webhook delivery.
func IncEventSub(outcome string) {
	if EventSubMessages != nil {
		EventSubMessages.WithLabelValues(outcome).Inc()
	}
}

// IncCounter increments c when metrics are initialised.
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// IncVec increments the labelled child of v when metrics are initialised.
func IncVec(v *prometheus.CounterVec, labels ...string) {
	if v != nil {
		v.WithLabelValues(labels...).Inc()
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

// WithCorrelation returns a new context embedding the correlation id.
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
