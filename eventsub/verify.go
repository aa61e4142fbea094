package eventsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Header names set by Twitch on every delivery.
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
)

// MaxClockSkew is how far a delivery timestamp may be from local time.
const MaxClockSkew = 10 * time.Minute

var (
	ErrBadSignature = errors.New("eventsub: signature mismatch")
	ErrStale        = errors.New("eventsub: timestamp outside replay window")
)

// Sign returns the signature Twitch would send for the given delivery.
func Sign(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature in constant time.
func Verify(secret, messageID, timestamp string, body []byte, signature string) error {
	expected := Sign(secret, messageID, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// CheckTimestamp rejects timestamps that do not parse or are more than skew
// away from now, in either direction.
func CheckTimestamp(timestamp string, now time.Time, skew time.Duration) error {
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return ErrStale
	}
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	if d > skew {
		return ErrStale
	}
	return nil
}
