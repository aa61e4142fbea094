package twitchapi

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// BadgeSet is one global chat badge family.
type BadgeSet struct {
	SetID    string         `json:"set_id"`
	Versions []BadgeVersion `json:"versions"`
}

// BadgeVersion is one image variant within a set.
type BadgeVersion struct {
	ID          string `json:"id"`
	ImageURL1x  string `json:"image_url_1x"`
	ImageURL2x  string `json:"image_url_2x"`
	ImageURL4x  string `json:"image_url_4x"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// DropEntitlement is a drops reward granted to a user.
type DropEntitlement struct {
	ID                string    `json:"id"`
	BenefitID         string    `json:"benefit_id"`
	Timestamp         time.Time `json:"timestamp"`
	UserID            string    `json:"user_id"`
	GameID            string    `json:"game_id"`
	FulfillmentStatus string    `json:"fulfillment_status"`
	LastUpdated       time.Time `json:"last_updated"`
}

// GlobalBadges fetches the global chat badge catalogue.
func (c *HelixClient) GlobalBadges(ctx context.Context) ([]BadgeSet, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/chat/badges/global", nil, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Data []BadgeSet `json:"data"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// DropsEntitlements fetches the first page of drops entitlements visible to the app.
func (c *HelixClient) DropsEntitlements(ctx context.Context) ([]DropEntitlement, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/entitlements/drops", url.Values{"first": {"100"}}, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Data []DropEntitlement `json:"data"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	return body.Data, nil
}
