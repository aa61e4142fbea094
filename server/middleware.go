package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// AuthConfig protects the admin API. Auth is skipped entirely when neither
// basic credentials nor a token are configured.
type AuthConfig struct {
	Username string
	Password string
	Token    string
}

func (c AuthConfig) enabled() bool {
	return (c.Username != "" && c.Password != "") || c.Token != ""
}

func (c AuthConfig) withWarning() AuthConfig {
	if !c.enabled() {
		slog.Warn("Admin authentication not configured - admin endpoints are UNPROTECTED. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN for production")
	}
	return c
}

// adminAuth accepts an X-Admin-Token header or HTTP Basic credentials.
func adminAuth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.enabled() {
				next.ServeHTTP(w, r)
				return
			}

			// Token first
			if cfg.Token != "" {
				token := r.Header.Get("X-Admin-Token")
				if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}

			if cfg.Username != "" && cfg.Password != "" {
				username, password, ok := r.BasicAuth()
				if ok {
					usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(cfg.Username)) == 1
					passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(cfg.Password)) == 1
					if usernameMatch && passwordMatch {
						next.ServeHTTP(w, r)
						return
					}
				}
			}

			w.Header().Set("WWW-Authenticate", `Basic realm="live-relay admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
		})
	}
}

// RateConfig is a per-client-IP request budget. Zero Requests disables limiting.
type RateConfig struct {
	Requests int
	Window   time.Duration
}

func adminRateLimit(cfg RateConfig) func(http.Handler) http.Handler {
	if cfg.Requests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(cfg.Requests, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", r.RemoteAddr), slog.String("path", r.URL.Path))
		}),
	)
}

// CORSConfig: permissive allows any origin (dev), otherwise only AllowedOrigins.
// Entries may use a single wildcard, e.g. "https://*.example.com".
type CORSConfig struct {
	Permissive     bool
	AllowedOrigins []string
}

func corsMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Admin-Token", "X-Correlation-ID"},
		ExposedHeaders: []string{"X-Correlation-ID"},
		MaxAge:         300,
	}
	switch {
	case cfg.Permissive:
		opts.AllowedOrigins = []string{"*"}
	case len(cfg.AllowedOrigins) == 0:
		slog.Warn("CORS restricted mode enabled but no CORS_ALLOWED_ORIGINS configured - all CORS requests will be blocked")
		// An empty list means "allow all" to go-chi/cors.
		opts.AllowOriginFunc = func(*http.Request, string) bool { return false }
	default:
		opts.AllowedOrigins = cfg.AllowedOrigins
		opts.AllowCredentials = true
	}
	return cors.Handler(opts)
}
