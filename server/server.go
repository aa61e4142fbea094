// Package server exposes the HTTP surface: the Twitch EventSub webhook, health and
// readiness probes, Prometheus metrics, and a small authenticated admin API for
// managing followed broadcasters. Every request carries a correlation ID in its
// context for consistent logging.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/live-relay/badges"
	"github.com/onnwee/live-relay/config"
	"github.com/onnwee/live-relay/monitor"
	"github.com/onnwee/live-relay/telemetry"
	"github.com/onnwee/live-relay/tracker"
	"github.com/onnwee/live-relay/twitchapi"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Tracker is the follow/unfollow service. *tracker.Service implements it.
type Tracker interface {
	Follow(ctx context.Context, guildID, login, channelID string) (*twitchapi.User, error)
	Unfollow(ctx context.Context, guildID, login string) (*twitchapi.User, error)
	List(ctx context.Context, guildID string) ([]tracker.Entry, error)
}

// MonitorStats reports the reconciliation loop's state. *monitor.Monitor implements it.
type MonitorStats interface {
	Stats() monitor.Stats
}

// ReadyCheck is one named readiness probe.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps wires the router. Webhook and DB are required; the rest may be nil.
type Deps struct {
	DB      Pinger
	Webhook http.Handler
	Tracker Tracker
	Monitor MonitorStats
	Badges  badges.Cache
	Checks  []ReadyCheck

	Auth      AuthConfig
	CORS      CORSConfig
	AdminRate RateConfig
}

// DepsFromConfig fills the middleware settings of Deps from cfg.
func DepsFromConfig(cfg *config.Config) Deps {
	return Deps{
		Auth: AuthConfig{
			Username: cfg.AdminUsername,
			Password: cfg.AdminPassword,
			Token:    cfg.AdminToken,
		},
		CORS: CORSConfig{
			Permissive:     cfg.CORSPermissive,
			AllowedOrigins: cfg.CORSAllowedOrigins,
		},
		AdminRate: RateConfig{
			Requests: cfg.AdminRateLimit,
			Window:   cfg.AdminRateWindow,
		},
	}
}

// NewRouter returns the HTTP handler with all routes.
func NewRouter(d Deps) http.Handler {
	h := &handlers{deps: d}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(requestContext)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware(d.CORS))

	r.Get("/", h.handleRoot)
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Post(config.EventSubPath, d.Webhook.ServeHTTP)

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminAuth(d.Auth.withWarning()))
		r.Use(adminRateLimit(d.AdminRate))

		r.Get("/monitor", h.handleMonitor)
		r.Get("/badges", h.handleBadges)
		r.Route("/guilds/{guildID}/streamers", func(r chi.Router) {
			r.Get("/", h.handleListStreamers)
			r.Post("/", h.handleFollow)
			r.Delete("/{login}", h.handleUnfollow)
		})
	})
	return r
}

// requestContext injects the correlation ID, starts a tracing span and
// records the response status on it.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
			}
		}
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if rec.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", rec.statusCode))
			span.SetStatus(code, msg)
		}
	})
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
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
