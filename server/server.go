// Package server exposes the HTTP control API: monitor lifecycle, bot sends,
// the live chat stream, admin batch management, health and metrics. Control
// and admin routes are authenticated, admin routes and bot sends are rate
// limited, and every request carries a correlation ID for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chatwarden/config"
	"github.com/onnwee/chatwarden/telemetry"
)

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, cfg *config.Config, deps Deps) http.Handler {
	authCfg := newAuthConfig(cfg)
	corsCfg := newCORSConfig(cfg)
	rateLimiter := newIPRateLimiter(ctx, cfg.RateLimitEnabled, cfg.RateLimitRequests, cfg.RateLimitWindow)

	handlers := NewHandlers(deps)
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	// Monitor control
	mux.HandleFunc("/monitor/start", handlers.HandleMonitorStart)
	mux.HandleFunc("/monitor/stop", handlers.HandleMonitorStop)
	mux.HandleFunc("/monitor/status", handlers.HandleMonitorStatus)
	mux.HandleFunc("/monitor/heartbeat", handlers.HandleMonitorHeartbeat)
	mux.HandleFunc("/monitor/send", handlers.HandleMonitorSend)
	mux.HandleFunc("/monitor/stream", handlers.HandleMonitorStream)

	// Admin
	mux.HandleFunc("/admin/batches/open", handlers.HandleAdminBatchOpen)
	mux.HandleFunc("/admin/batches/close", handlers.HandleAdminBatchClose)
	mux.HandleFunc("/admin/batches/entries", handlers.HandleAdminBatchEntries)
	mux.HandleFunc("/admin/entries/resolve", handlers.HandleAdminEntryResolve)
	mux.HandleFunc("/admin/monitors", handlers.HandleAdminMonitors)
	mux.HandleFunc("/admin/commands", handlers.HandleAdminCommand)

	protected := adminAuth(mux, authCfg)
	protectedLimited := adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg)

	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/admin/"), r.URL.Path == "/monitor/send":
			// bot sends reach a third-party chat, keep them throttled per caller
			protectedLimited.ServeHTTP(w, r)
		case strings.HasPrefix(r.URL.Path, "/monitor/"):
			protected.ServeHTTP(w, r)
		default:
			mux.ServeHTTP(w, r)
		}
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrapped, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, wrapped.statusCode)
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// WriteTimeout stays unset so /monitor/stream connections are not cut off.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
