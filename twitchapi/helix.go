// Package twitchapi contains the Twitch Helix client used for broadcaster lookups,
// live checks and EventSub subscription management, authenticated with an app access token.
package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MaxIDsPerRequest is the Helix limit on repeated id query parameters.
const MaxIDsPerRequest = 100

// User is a Twitch account.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// Stream is a live broadcast as reported by /helix/streams.
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameID       string    `json:"game_id"`
	GameName     string    `json:"game_name"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

// NormalizeLogin lowercases a login and strips a leading @ or channel URL.
func NormalizeLogin(login string) string {
	login = strings.TrimSpace(login)
	for _, prefix := range []string{"https://www.twitch.tv/", "https://twitch.tv/", "twitch.tv/", "@"} {
		login = strings.TrimPrefix(login, prefix)
	}
	return strings.ToLower(strings.Trim(login, "/"))
}

// ResolveUser looks up a login. It returns nil, nil when no such user exists.
func (c *HelixClient) ResolveUser(ctx context.Context, login string) (*User, error) {
	login = NormalizeLogin(login)
	if login == "" {
		return nil, errors.New("login empty")
	}
	resp, err := c.Do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil)
	if err != nil {
		if IsStatus(err, http.StatusBadRequest) {
			// Helix rejects malformed logins with 400; treat as not found.
			return nil, nil
		}
		return nil, err
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &body.Data[0], nil
}

// UsersByID resolves ids to users, batching requests.
func (c *HelixClient) UsersByID(ctx context.Context, ids []string) (map[string]User, error) {
	out := make(map[string]User, len(ids))
	for _, batch := range chunk(dedupe(ids), MaxIDsPerRequest) {
		resp, err := c.Do(ctx, http.MethodGet, "/users", url.Values{"id": batch}, nil)
		if err != nil {
			return nil, err
		}
		var body struct {
			Data []User `json:"data"`
		}
		if err := resp.Decode(&body); err != nil {
			return nil, err
		}
		for _, u := range body.Data {
			out[u.ID] = u
		}
	}
	return out, nil
}

// GetStream returns the broadcaster's live stream, or nil when offline.
func (c *HelixClient) GetStream(ctx context.Context, broadcasterID string) (*Stream, error) {
	if broadcasterID == "" {
		return nil, errors.New("broadcaster id empty")
	}
	live, err := c.LiveStreams(ctx, []string{broadcasterID})
	if err != nil {
		return nil, err
	}
	if s, ok := live[broadcasterID]; ok {
		return &s, nil
	}
	return nil, nil
}

// LiveStreams returns the live streams among ids keyed by user id, querying at
// most MaxIDsPerRequest ids per request. Any failed batch fails the whole call
// so callers never mistake a partial answer for "offline".
func (c *HelixClient) LiveStreams(ctx context.Context, ids []string) (map[string]Stream, error) {
	out := make(map[string]Stream, len(ids))
	for _, batch := range chunk(dedupe(ids), MaxIDsPerRequest) {
		q := url.Values{"user_id": batch}
		q.Set("first", "100")
		resp, err := c.Do(ctx, http.MethodGet, "/streams", q, nil)
		if err != nil {
			return nil, err
		}
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := resp.Decode(&body); err != nil {
			return nil, err
		}
		for _, s := range body.Data {
			if s.Type == "" || s.Type == "live" {
				out[s.UserID] = s
			}
		}
	}
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
