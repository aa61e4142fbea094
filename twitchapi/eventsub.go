package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// EventSub subscription types the relay manages.
const (
	SubTypeStreamOnline  = "stream.online"
	SubTypeStreamOffline = "stream.offline"
)

// Subscription statuses that still deliver (or will deliver) notifications.
const (
	StatusEnabled             = "enabled"
	StatusVerificationPending = "webhook_callback_verification_pending"
)

// maxSubscriptionPages guards against a cursor loop.
const maxSubscriptionPages = 100

// ErrNoCallback is returned when creating a subscription without a configured webhook transport.
var ErrNoCallback = errors.New("eventsub callback not configured")

// Subscription mirrors a Helix EventSub subscription.
type Subscription struct {
	ID        string                `json:"id"`
	Status    string                `json:"status"`
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Cost      int                   `json:"cost"`
	Condition SubscriptionCondition `json:"condition"`
	Transport SubscriptionTransport `json:"transport"`
	CreatedAt time.Time             `json:"created_at"`
}

// SubscriptionCondition is the condition for stream.* subscriptions.
type SubscriptionCondition struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

// SubscriptionTransport is the delivery method.
type SubscriptionTransport struct {
	Method   string `json:"method"`
	Callback string `json:"callback,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

// Active reports whether the subscription is delivering or awaiting verification.
func (s Subscription) Active() bool {
	return s.Status == StatusEnabled || s.Status == StatusVerificationPending
}

type createSubscriptionRequest struct {
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Condition SubscriptionCondition `json:"condition"`
	Transport SubscriptionTransport `json:"transport"`
}

// ListSubscriptions returns every subscription of subType (all types when empty), following pagination.
func (c *HelixClient) ListSubscriptions(ctx context.Context, subType string) ([]Subscription, error) {
	var (
		out    []Subscription
		cursor string
	)
	for page := 0; page < maxSubscriptionPages; page++ {
		q := url.Values{}
		if subType != "" {
			q.Set("type", subType)
		}
		if cursor != "" {
			q.Set("after", cursor)
		}
		resp, err := c.Do(ctx, http.MethodGet, "/eventsub/subscriptions", q, nil)
		if err != nil {
			return nil, err
		}
		var body struct {
			Data       []Subscription `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := resp.Decode(&body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
		if body.Pagination.Cursor == "" || body.Pagination.Cursor == cursor {
			return out, nil
		}
		cursor = body.Pagination.Cursor
	}
	slog.Warn("eventsub subscription listing truncated", slog.Int("pages", maxSubscriptionPages), slog.String("component", "twitch_helix"))
	return out, nil
}

// CreateSubscription registers a webhook subscription for the broadcaster.
// A 409 (already exists) counts as success.
func (c *HelixClient) CreateSubscription(ctx context.Context, subType, broadcasterID string) error {
	if c.callbackURL == "" {
		return ErrNoCallback
	}
	req := createSubscriptionRequest{
		Type:      subType,
		Version:   "1",
		Condition: SubscriptionCondition{BroadcasterUserID: broadcasterID},
		Transport: SubscriptionTransport{Method: "webhook", Callback: c.callbackURL, Secret: c.eventSubSecret},
	}
	_, err := c.Do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, req)
	if err != nil {
		if IsStatus(err, http.StatusConflict) {
			return nil
		}
		return fmt.Errorf("create %s subscription for %s: %w", subType, broadcasterID, err)
	}
	slog.Info("eventsub subscription created",
		slog.String("type", subType), slog.String("broadcaster_id", broadcasterID), slog.String("component", "twitch_helix"))
	return nil
}

// EnsureStreamSubscriptions requests online and offline subscriptions for the broadcaster.
func (c *HelixClient) EnsureStreamSubscriptions(ctx context.Context, broadcasterID string) error {
	var errs []error
	for _, t := range []string{SubTypeStreamOnline, SubTypeStreamOffline} {
		if err := c.CreateSubscription(ctx, t, broadcasterID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteSubscription removes a subscription. Deleting one that is already gone succeeds.
func (c *HelixClient) DeleteSubscription(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("subscription id empty")
	}
	_, err := c.Do(ctx, http.MethodDelete, "/eventsub/subscriptions", url.Values{"id": {id}}, nil)
	if err != nil && !IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return nil
}
