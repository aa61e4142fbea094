package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/onnwee/live-relay/telemetry"
)

const (
	defaultTokenURL = "https://id.twitch.tv/oauth2/token"

	// TokenExpiryBuffer is how long before expiry a cached token stops being served.
	TokenExpiryBuffer = 60 * time.Second

	// used when Twitch omits expires_in
	defaultTokenLifetime = time.Hour
)

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// Refreshes are serialised: concurrent callers that find the token stale wait
// for a single token request instead of issuing their own.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	TokenURL     string
	Clock        clockwork.Clock

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func (ts *TokenSource) clock() clockwork.Clock {
	if ts.Clock != nil {
		return ts.Clock
	}
	return clockwork.NewRealClock()
}

func (ts *TokenSource) validLocked() bool {
	return ts.token != "" && ts.clock().Now().Before(ts.expiresAt.Add(-TokenExpiryBuffer))
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.validLocked() {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

// Invalidate drops the cached token if it is still stale, so the next Get
// fetches a new one. An empty stale value drops whatever is cached.
func (ts *TokenSource) Invalidate(stale string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if stale == "" || stale == ts.token {
		ts.token = ""
		ts.expiresAt = time.Time{}
	}
}

// ExpiresAt returns the cached token's expiry, zero when nothing is cached.
func (ts *TokenSource) ExpiresAt() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.expiresAt
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.validLocked() {
		return ts.token, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}

	tokenURL := ts.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	cc := &clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}

	tok, err := cc.Token(ctx)
	if err != nil {
		telemetry.IncVec(telemetry.TokenRefreshes, "failure")
		slog.Warn("twitch app token refresh failed", slog.Any("err", err), slog.String("component", "twitch_token"))
		return "", fmt.Errorf("twitch token request failed: %w", err)
	}
	if tok.AccessToken == "" {
		telemetry.IncVec(telemetry.TokenRefreshes, "failure")
		return "", errors.New("empty access_token in twitch response")
	}

	lifetime := defaultTokenLifetime
	switch {
	case tok.ExpiresIn > 0:
		lifetime = time.Duration(tok.ExpiresIn) * time.Second
	case !tok.Expiry.IsZero():
		lifetime = time.Until(tok.Expiry)
	}
	ts.token = tok.AccessToken
	ts.expiresAt = ts.clock().Now().Add(lifetime)
	telemetry.IncVec(telemetry.TokenRefreshes, "success")
	slog.Debug("twitch app token refreshed", slog.Time("expires_at", ts.expiresAt), slog.String("component", "twitch_token"))
	return ts.token, nil
}
