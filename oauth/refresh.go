// Package oauth keeps the Twitch app access token warm. A jittered loop
// checks the cached token's expiry and forces a refresh once it falls within
// a configured window, so request paths rarely pay for a token round trip.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
)

// TokenSource is the app token cache. *twitchapi.TokenSource implements it.
type TokenSource interface {
	Get(ctx context.Context) (string, error)
	Invalidate(stale string)
	ExpiresAt() time.Time
}

const refreshTimeout = 15 * time.Second

// StartRefresher launches a goroutine that periodically checks ts and
// refreshes it when its remaining lifetime is <= window.
// interval: how often to wake up and check.
func StartRefresher(ctx context.Context, ts TokenSource, interval, window time.Duration) {
	start(ctx, ts, interval, window, clockwork.NewRealClock())
}

func start(ctx context.Context, ts TokenSource, interval, window time.Duration, clock clockwork.Clock) <-chan struct{} {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	done := make(chan struct{})
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			return
		case <-clock.After(initialJitter):
		}
		for {
			check(ctx, ts, window, clock)
			select {
			case <-ctx.Done():
				return
			case <-clock.After(nextSleep(interval)):
			}
		}
	}()
	return done
}

// nextSleep is interval with +-20% jitter, never below interval/2.
func nextSleep(interval time.Duration) time.Duration {
	jitterRange := int64(interval / 5)
	if jitterRange <= 0 {
		return interval
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
	d := interval + jitter
	if d < interval/2 {
		d = interval / 2
	}
	return d
}

// check performs one warm-up pass and reports whether a token request was made.
func check(ctx context.Context, ts TokenSource, window time.Duration, clock clockwork.Clock) bool {
	exp := ts.ExpiresAt()
	if !exp.IsZero() && exp.Sub(clock.Now()) > window {
		return false
	}

	ctx2, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	if !exp.IsZero() {
		// Still valid but inside the window: drop exactly this token so the
		// next Get fetches a fresh one.
		current, err := ts.Get(ctx2)
		if err == nil {
			ts.Invalidate(current)
		}
	}
	if _, err := ts.Get(ctx2); err != nil {
		slog.Warn("app token refresh failed", slog.String("component", "oauth"), slog.Any("err", err))
		return true
	}
	slog.Info("app token refreshed", slog.String("component", "oauth"), slog.Time("expires_at", ts.ExpiresAt()))
	return true
}
