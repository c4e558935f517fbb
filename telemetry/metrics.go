// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session lifecycle
var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatwarden_sessions_active",
		Help: "Number of in-memory channel sessions",
	})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwarden_session_transitions_total",
		Help: "Channel session state transitions by target state",
	}, []string{"state"})

	SessionEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwarden_session_evictions_total",
		Help: "Sessions removed by the supervisor, by reason (stale, dead, exhausted)",
	}, []string{"reason"})

	SessionRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwarden_session_restarts_total",
		Help: "Sessions restarted by the health check",
	})
)

// Inbound processing
var (
	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwarden_frames_received_total",
		Help: "Inbound frames read from upstream relays",
	})

	FramesMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwarden_frames_malformed_total",
		Help: "Inbound frames that could not be parsed and were skipped",
	})

	ChatMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwarden_chat_messages_total",
		Help: "Classified chat messages",
	})

	CommandOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwarden_commands_total",
		Help: "Command dispatch outcomes (sent, not_found, denied, cooldown, error)",
	}, []string{"outcome"})

	EntriesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwarden_entries_accepted_total",
		Help: "Intake entries persisted",
	})

	EntriesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwarden_entries_dropped_total",
		Help: "Intake submissions silently dropped, by reason",
	}, []string{"reason"})

	DisplayDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwarden_display_dropped_total",
		Help: "Chat events a display consumer could not keep up with",
	}, []string{"consumer"})

	ChatMessagesPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwarden_chat_messages_pruned_total",
		Help: "Recorded chat messages deleted by the retention job",
	})
)

// Outbound
var (
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwarden_sends_total",
		Help: "Outbound bot messages by platform and result",
	}, []string{"platform", "result"})

	SendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatwarden_send_duration_seconds",
		Help:    "Outbound send latency",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"platform"})

	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatwarden_circuit_state",
		Help: "Outbound circuit breaker state by platform (0=closed, 1=half-open, 2=open)",
	}, []string{"platform"})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwarden_token_refreshes_total",
		Help: "Bot token refresh attempts by result",
	}, []string{"result"})
)

// TimeFunc measures the duration of fn and records it in obs if non-nil.
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

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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
