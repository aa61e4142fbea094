package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/live-relay/badges"
	"github.com/onnwee/live-relay/eventsub"
	"github.com/onnwee/live-relay/monitor"
	"github.com/onnwee/live-relay/registry"
	"github.com/onnwee/live-relay/tracker"
	"github.com/onnwee/live-relay/twitchapi"
)

const webhookSecret = "router-webhook-secret-123"

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

type nopDispatcher struct{}

func (nopDispatcher) NotifyLive(context.Context, eventsub.OnlineEvent) error   { return nil }
func (nopDispatcher) MarkOffline(context.Context, eventsub.OfflineEvent) error { return nil }

type fakeTracker struct {
	followErr   error
	unfollowErr error
	entries     []tracker.Entry
	followed    []string
}

func (f *fakeTracker) Follow(_ context.Context, guildID, login, channelID string) (*twitchapi.User, error) {
	if f.followErr != nil {
		return nil, f.followErr
	}
	f.followed = append(f.followed, guildID+"/"+login+"/"+channelID)
	return &twitchapi.User{ID: "100", Login: login, DisplayName: strings.ToUpper(login)}, nil
}

func (f *fakeTracker) Unfollow(context.Context, string, string) (*twitchapi.User, error) {
	if f.unfollowErr != nil {
		return nil, f.unfollowErr
	}
	return &twitchapi.User{ID: "100"}, nil
}

func (f *fakeTracker) List(context.Context, string) ([]tracker.Entry, error) {
	return f.entries, nil
}

type fakeMonitor struct{}

func (fakeMonitor) Stats() monitor.Stats {
	return monitor.Stats{State: "running", Cycles: 3, Failures: 1}
}

func newTestRouter(t *testing.T, mutate func(*Deps)) http.Handler {
	t.Helper()
	d := Deps{
		DB:      fakePinger{},
		Webhook: eventsub.NewHandler(webhookSecret, nopDispatcher{}),
		Tracker: &fakeTracker{},
		Monitor: fakeMonitor{},
		CORS:    CORSConfig{Permissive: true},
	}
	if mutate != nil {
		mutate(&d)
	}
	return NewRouter(d)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRootAndHealthz(t *testing.T) {
	h := newTestRouter(t, nil)

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Correlation-ID"))

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestHealthzDatabaseDown(t *testing.T) {
	h := newTestRouter(t, func(d *Deps) { d.DB = fakePinger{err: errors.New("connection refused")} })
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCorrelationIDPropagates(t *testing.T) {
	h := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "corr-42")
	rr := serve(h, req)
	assert.Equal(t, "corr-42", rr.Header().Get("X-Correlation-ID"))
}

func TestReadyz(t *testing.T) {
	h := newTestRouter(t, func(d *Deps) {
		d.Checks = []ReadyCheck{DiscordCheck(func() error { return nil })}
	})
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rr.Body.String())

	h = newTestRouter(t, func(d *Deps) {
		d.Checks = []ReadyCheck{DiscordCheck(func() error { return errors.New("gateway not ready") })}
	})
	rr = serve(h, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, "discord", body["failed_check"])
}

func TestMetricsEndpoint(t *testing.T) {
	rr := serve(newTestRouter(t, nil), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestWebhookRoute(t *testing.T) {
	h := newTestRouter(t, nil)
	body := []byte(`{"subscription":{"id":"sub-1","type":"stream.online","version":"1","status":"webhook_callback_verification_pending","condition":{"broadcaster_user_id":"100"}},"challenge":"abc123"}`)
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	req := httptest.NewRequest(http.MethodPost, "/twitch/eventsub", bytes.NewReader(body))
	req.Header.Set(eventsub.HeaderMessageID, "msg-1")
	req.Header.Set(eventsub.HeaderMessageTimestamp, ts)
	req.Header.Set(eventsub.HeaderMessageType, eventsub.TypeVerification)
	req.Header.Set(eventsub.HeaderMessageSignature, eventsub.Sign(webhookSecret, "msg-1", ts, body))
	rr := serve(h, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "abc123", rr.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/twitch/eventsub", bytes.NewReader(body))
	rr = serve(h, req)
	assert.Equal(t, http.StatusForbidden, rr.Code, "unsigned callbacks are rejected")

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/twitch/eventsub", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestAdminRequiresAuth(t *testing.T) {
	h := newTestRouter(t, func(d *Deps) { d.Auth = AuthConfig{Token: "admin-token"} })

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/admin/monitor", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/monitor", nil)
	req.Header.Set("X-Admin-Token", "admin-token")
	rr = serve(h, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats monitor.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, "running", stats.State)
	assert.Equal(t, int64(3), stats.Cycles)
}

func TestAdminFollow(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		followErr  error
		wantStatus int
	}{
		{"created", `{"login":"alice","channel_id":"C1"}`, nil, http.StatusCreated},
		{"invalid json", `{"login":`, nil, http.StatusBadRequest},
		{"missing channel", `{"login":"alice"}`, nil, http.StatusBadRequest},
		{"missing login", `{"channel_id":"C1"}`, nil, http.StatusBadRequest},
		{"already tracked", `{"login":"alice","channel_id":"C1"}`, registry.ErrAlreadyTracked, http.StatusConflict},
		{"cap reached", `{"login":"alice","channel_id":"C1"}`, registry.ErrCapReached, http.StatusUnprocessableEntity},
		{"unknown broadcaster", `{"login":"ghost","channel_id":"C1"}`, tracker.ErrBroadcasterNotFound, http.StatusNotFound},
		{"invalid login", `{"login":"@","channel_id":"C1"}`, tracker.ErrInvalidLogin, http.StatusBadRequest},
		{"database down", `{"login":"alice","channel_id":"C1"}`, errors.New("db: connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTracker{followErr: tt.followErr}
			h := newTestRouter(t, func(d *Deps) { d.Tracker = tr })

			req := httptest.NewRequest(http.MethodPost, "/admin/guilds/G1/streamers", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rr := serve(h, req)
			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())

			if tt.wantStatus == http.StatusCreated {
				assert.Equal(t, []string{"G1/alice/C1"}, tr.followed)
				var resp followResponse
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
				assert.Equal(t, "100", resp.BroadcasterID)
				assert.Equal(t, "C1", resp.ChannelID)
			}
		})
	}
}

func TestAdminUnfollow(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"removed", nil, http.StatusNoContent},
		{"not tracked", registry.ErrNotTracked, http.StatusNotFound},
		{"unknown broadcaster", tracker.ErrBroadcasterNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, func(d *Deps) { d.Tracker = &fakeTracker{unfollowErr: tt.err} })
			rr := serve(h, httptest.NewRequest(http.MethodDelete, "/admin/guilds/G1/streamers/alice", nil))
			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}

func TestAdminListStreamers(t *testing.T) {
	tr := &fakeTracker{entries: []tracker.Entry{
		{BroadcasterID: "100", Login: "alice", ChannelID: "C1", IsLive: true},
	}}
	h := newTestRouter(t, func(d *Deps) { d.Tracker = tr })

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/admin/guilds/G1/streamers", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Streamers []tracker.Entry `json:"streamers"`
		Count     int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.True(t, body.Streamers[0].IsLive)
}

func TestAdminBadges(t *testing.T) {
	h := newTestRouter(t, nil)
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/admin/badges", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "no cache configured")

	cache := badges.NewMemoryCache(clockwork.NewFakeClock())
	h = newTestRouter(t, func(d *Deps) { d.Badges = cache })
	rr = serve(h, httptest.NewRequest(http.MethodGet, "/admin/badges", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"cached":false,"badges":[]}`, rr.Body.String())

	require.NoError(t, cache.Put(context.Background(), []twitchapi.BadgeSet{{SetID: "moderator"}}))
	rr = serve(h, httptest.NewRequest(http.MethodGet, "/admin/badges", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"cached":true`)
	assert.Contains(t, rr.Body.String(), "moderator")
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, newTestRouter(t, nil), "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
