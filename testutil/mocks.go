package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix and OAuth responses.
// Handlers are keyed by "METHOD /path" first, then by "/path".
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu    sync.Mutex
	calls map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls[r.Method+" "+r.URL.Path]++
		handler, ok := m.Handlers[r.Method+" "+r.URL.Path]
		if !ok {
			handler, ok = m.Handlers[r.URL.Path]
		}
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler under key ("/helix/users" or "POST /helix/eventsub/subscriptions").
func (m *MockTwitchServer) Handle(key string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[key] = h
}

// Calls returns how many requests hit "METHOD /path".
func (m *MockTwitchServer) Calls(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

// HelixURL is the base URL to pass to twitchapi.WithBaseURL.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// TokenURL is the client-credentials endpoint.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		q := r.URL.Query()
		if q.Get("login") == login || q.Get("id") == userID {
			data = append(data, map[string]string{"id": userID, "login": login, "display_name": login})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": data})
	})
}

// MockStreamsResponse adds a handler for /helix/streams returning the streams whose user_id was requested.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		requested := map[string]bool{}
		for _, id := range r.URL.Query()["user_id"] {
			requested[id] = true
		}
		data := []map[string]any{}
		for _, s := range streams {
			if id, _ := s["user_id"].(string); requested[id] {
				data = append(data, s)
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": data})
	})
}

// MockSubscriptionsList adds a GET handler for /helix/eventsub/subscriptions.
func (m *MockTwitchServer) MockSubscriptionsList(subs []map[string]any) {
	m.Handle("GET /helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": subs, "pagination": map[string]string{}})
	})
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	})
}
