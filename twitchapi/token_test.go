package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func tokenServer(t *testing.T, calls *atomic.Int32, expiresIn int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q, want client_credentials", got)
		}
		if got := r.PostForm.Get("client_id"); got != "test-client" {
			t.Errorf("client_id = %q, want test-client", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token-" + string(rune('0'+n)),
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTokenSource_GetCached(t *testing.T) {
	var calls atomic.Int32
	server := tokenServer(t, &calls, 3600)

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: server.URL}
	ctx := context.Background()

	token1, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token1 != "test-token-1" {
		t.Errorf("Get() = %s, want test-token-1", token1)
	}

	token2, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token2 != token1 {
		t.Errorf("cached token = %s, want %s", token2, token1)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 API call (cached), got %d", calls.Load())
	}
}

func TestTokenSource_RefreshesInsideExpiryBuffer(t *testing.T) {
	var calls atomic.Int32
	server := tokenServer(t, &calls, 3600)
	clock := clockwork.NewFakeClock()

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: server.URL, Clock: clock}
	ctx := context.Background()

	if _, err := ts.Get(ctx); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// 100s before expiry: still outside the 60s buffer.
	clock.Advance(3500 * time.Second)
	tok, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "test-token-1" || calls.Load() != 1 {
		t.Errorf("expected cached token-1 with 1 call, got %s with %d calls", tok, calls.Load())
	}

	// 59s before expiry: must not be served.
	clock.Advance(41 * time.Second)
	tok, err = ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "test-token-2" {
		t.Errorf("Get() = %s, want test-token-2 after refresh", tok)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 API calls, got %d", calls.Load())
	}
}

func TestTokenSource_ConcurrentGetSingleFlight(t *testing.T) {
	var calls atomic.Int32
	server := tokenServer(t, &calls, 3600)
	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: server.URL}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ts.Get(context.Background()); err != nil {
				t.Errorf("Get() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("concurrent Get issued %d token requests, want 1", calls.Load())
	}
}

func TestTokenSource_Invalidate(t *testing.T) {
	var calls atomic.Int32
	server := tokenServer(t, &calls, 3600)
	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: server.URL}
	ctx := context.Background()

	tok, _ := ts.Get(ctx)

	// A stale value other than the cached token is ignored.
	ts.Invalidate("some-older-token")
	if got, _ := ts.Get(ctx); got != tok || calls.Load() != 1 {
		t.Fatalf("Invalidate(other) dropped the cached token")
	}

	ts.Invalidate(tok)
	if !ts.ExpiresAt().IsZero() {
		t.Error("ExpiresAt should be zero after Invalidate")
	}
	got, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == tok {
		t.Errorf("expected a new token after Invalidate, got %s again", got)
	}
}

func TestTokenSource_GetServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":400,"message":"invalid client"}`))
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: server.URL}
	tok, err := ts.Get(context.Background())
	if err == nil {
		t.Error("Get() with server error should return error")
	}
	if tok != "" {
		t.Errorf("Get() returned token %q on error", tok)
	}
}

func TestTokenSource_GetEmptyToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "", "expires_in": 3600})
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: server.URL}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Error("Get() with empty access_token should return error")
	}
}

func TestTokenSource_MissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Error("Get() without client credentials should return error")
	}
}
