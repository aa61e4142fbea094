package eventsub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/live-relay/telemetry"
)

const (
	maxBodyBytes           = 1 << 20
	defaultDispatchTimeout = 10 * time.Second
)

// Dispatcher receives verified stream events.
type Dispatcher interface {
	NotifyLive(ctx context.Context, ev OnlineEvent) error
	MarkOffline(ctx context.Context, ev OfflineEvent) error
}

// Handler is the http.Handler mounted on the EventSub callback path.
type Handler struct {
	secret          string
	dispatcher      Dispatcher
	window          *Window
	clock           clockwork.Clock
	skew            time.Duration
	dispatchTimeout time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the clock used for the replay check.
func WithClock(c clockwork.Clock) Option { return func(h *Handler) { h.clock = c } }

// WithWindow replaces the de-duplication window.
func WithWindow(w *Window) Option { return func(h *Handler) { h.window = w } }

// WithDispatchTimeout bounds how long a single dispatch may run.
func WithDispatchTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.dispatchTimeout = d
		}
	}
}

// NewHandler builds a webhook handler verifying deliveries against secret.
func NewHandler(secret string, d Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		secret:          secret,
		dispatcher:      d,
		clock:           clockwork.NewRealClock(),
		skew:            MaxClockSkew,
		dispatchTimeout: defaultDispatchTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	if h.window == nil {
		h.window = NewWindow(DefaultWindowSize)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "eventsub"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		logger.Warn("read body failed", slog.Any("err", err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	msgID := r.Header.Get(HeaderMessageID)
	msgTS := r.Header.Get(HeaderMessageTimestamp)
	sig := r.Header.Get(HeaderMessageSignature)
	msgType := r.Header.Get(HeaderMessageType)
	if msgID == "" || msgTS == "" || sig == "" || msgType == "" {
		logger.Warn("missing eventsub headers")
		h.forbid(w)
		return
	}
	logger = logger.With(slog.String("message_id", msgID), slog.String("message_type", msgType))

	if err := Verify(h.secret, msgID, msgTS, body, sig); err != nil {
		logger.Warn("rejected delivery", slog.Any("err", err))
		h.forbid(w)
		return
	}
	if err := CheckTimestamp(msgTS, h.clock.Now(), h.skew); err != nil {
		logger.Warn("rejected delivery", slog.Any("err", err), slog.String("timestamp", msgTS))
		h.forbid(w)
		return
	}

	if h.window.Seen(msgID) {
		logger.Debug("duplicate delivery")
		h.reply(w, "duplicate")
		return
	}

	msg, err := Parse(msgType, body)
	if err != nil {
		logger.Error("unparseable delivery", slog.Any("err", err))
		h.reply(w, "invalid-json")
		return
	}

	switch m := msg.(type) {
	case Challenge:
		logger.Info("eventsub callback verification", slog.String("subscription_type", m.SubscriptionType))
		telemetry.IncEventSub("challenge")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(m.Value))
	case Revocation:
		logger.Warn("eventsub subscription revoked",
			slog.String("subscription_id", m.SubscriptionID),
			slog.String("subscription_type", m.SubscriptionType),
			slog.String("broadcaster_id", m.BroadcasterID),
			slog.String("reason", m.Reason))
		h.reply(w, "revoked")
	case OnlineEvent:
		h.dispatch(r.Context(), logger, m.BroadcasterID, func(ctx context.Context) error {
			return h.dispatcher.NotifyLive(ctx, m)
		})
		h.reply(w, "ok")
	case OfflineEvent:
		h.dispatch(r.Context(), logger, m.BroadcasterID, func(ctx context.Context) error {
			return h.dispatcher.MarkOffline(ctx, m)
		})
		h.reply(w, "ok")
	default:
		h.reply(w, "ignored")
	}
}

// dispatch runs fn on a context that survives the request being cancelled but
// is bounded by the dispatch timeout. Errors are logged, never surfaced.
func (h *Handler) dispatch(parent context.Context, logger *slog.Logger, broadcasterID string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), h.dispatchTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		level := slog.LevelError
		if errors.Is(err, context.DeadlineExceeded) {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "dispatch failed", slog.String("broadcaster_id", broadcasterID), slog.Any("err", err))
	}
}

func (h *Handler) reply(w http.ResponseWriter, outcome string) {
	telemetry.IncEventSub(outcome)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(outcome))
}

func (h *Handler) forbid(w http.ResponseWriter) {
	telemetry.IncEventSub("forbidden")
	http.Error(w, "forbidden", http.StatusForbidden)
}
