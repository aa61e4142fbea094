// Package eventsub receives Twitch EventSub webhook deliveries.
//
// A delivery is verified (HMAC signature, timestamp window), de-duplicated by
// message id and parsed once into one of the typed variants below before any
// dispatch happens.
package eventsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types carried in the Twitch-Eventsub-Message-Type header.
const (
	TypeVerification = "webhook_callback_verification"
	TypeNotification = "notification"
	TypeRevocation   = "revocation"
)

// Subscription types this service acts on.
const (
	SubStreamOnline  = "stream.online"
	SubStreamOffline = "stream.offline"
)

// ErrMalformed is returned by Parse when the body is not a valid EventSub payload.
var ErrMalformed = errors.New("eventsub: malformed payload")

// Message is the parsed form of one delivery. Exactly one concrete type is
// returned by Parse: Challenge, OnlineEvent, OfflineEvent, Revocation or Unknown.
type Message interface {
	isMessage()
}

// Challenge is the callback verification handshake. The challenge must be
// echoed back verbatim.
type Challenge struct {
	Value            string
	SubscriptionType string
}

// OnlineEvent is a stream.online notification.
type OnlineEvent struct {
	BroadcasterID    string
	BroadcasterLogin string
	BroadcasterName  string
	StreamType       string
	StartedAt        time.Time
	// Title and Category are not part of the stream.online payload Twitch
	// documents, but are read when present.
	Title    string
	Category string
}

// OfflineEvent is a stream.offline notification.
type OfflineEvent struct {
	BroadcasterID    string
	BroadcasterLogin string
}

// Revocation reports that Twitch removed a subscription.
type Revocation struct {
	SubscriptionID   string
	SubscriptionType string
	BroadcasterID    string
	Reason           string
}

// Unknown is any notification or message type this service does not handle.
type Unknown struct {
	MessageType      string
	SubscriptionType string
}

func (Challenge) isMessage()    {}
func (OnlineEvent) isMessage()  {}
func (OfflineEvent) isMessage() {}
func (Revocation) isMessage()   {}
func (Unknown) isMessage()      {}

type envelope struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Status    string `json:"status"`
		Condition struct {
			BroadcasterUserID string `json:"broadcaster_user_id"`
		} `json:"condition"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

type streamEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	BroadcasterUserName  string `json:"broadcaster_user_name"`
	Type                 string `json:"type"`
	StartedAt            string `json:"started_at"`
	Title                string `json:"title"`
	CategoryName         string `json:"category_name"`
}

// Parse decodes body according to messageType. Any JSON error is reported as
// ErrMalformed.
func Parse(messageType string, body []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch messageType {
	case TypeVerification:
		return Challenge{Value: env.Challenge, SubscriptionType: env.Subscription.Type}, nil
	case TypeRevocation:
		return Revocation{
			SubscriptionID:   env.Subscription.ID,
			SubscriptionType: env.Subscription.Type,
			BroadcasterID:    env.Subscription.Condition.BroadcasterUserID,
			Reason:           env.Subscription.Status,
		}, nil
	case TypeNotification:
	default:
		return Unknown{MessageType: messageType, SubscriptionType: env.Subscription.Type}, nil
	}

	if env.Subscription.Type != SubStreamOnline && env.Subscription.Type != SubStreamOffline {
		return Unknown{MessageType: messageType, SubscriptionType: env.Subscription.Type}, nil
	}

	var ev streamEvent
	if len(env.Event) > 0 {
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			return nil, fmt.Errorf("%w: event: %v", ErrMalformed, err)
		}
	}
	// Older payloads only carry the id in the condition.
	if ev.BroadcasterUserID == "" {
		ev.BroadcasterUserID = env.Subscription.Condition.BroadcasterUserID
	}

	if env.Subscription.Type == SubStreamOffline {
		return OfflineEvent{BroadcasterID: ev.BroadcasterUserID, BroadcasterLogin: ev.BroadcasterUserLogin}, nil
	}

	online := OnlineEvent{
		BroadcasterID:    ev.BroadcasterUserID,
		BroadcasterLogin: ev.BroadcasterUserLogin,
		BroadcasterName:  ev.BroadcasterUserName,
		StreamType:       ev.Type,
		Title:            ev.Title,
		Category:         ev.CategoryName,
	}
	if ev.StartedAt != "" {
		if ts, err := time.Parse(time.RFC3339, ev.StartedAt); err == nil {
			online.StartedAt = ts
		}
	}
	return online, nil
}
