package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/onnwee/live-relay/telemetry"
)

const (
	defaultBaseURL = "https://api.twitch.tv/helix"

	// Twitch allows 800 points per minute for app tokens.
	defaultRateLimit = rate.Limit(800.0 / 60.0)
	defaultBurst     = 20

	maxResponseBytes = 4 << 20
)

// ErrCircuitOpen is returned while the breaker short-circuits Helix calls.
var ErrCircuitOpen = errors.New("twitch api circuit open")

// AppTokenSource supplies app access tokens and accepts invalidation after a 401.
type AppTokenSource interface {
	Get(ctx context.Context) (string, error)
	Invalidate(stale string)
}

// RetryPolicy controls the single retries Do performs.
type RetryPolicy struct {
	// RefreshOnUnauthorized invalidates the token and retries once on 401.
	RefreshOnUnauthorized bool
	// RetryOnRateLimit waits for the advertised reset and retries once on 429.
	RetryOnRateLimit bool
	// MaxRetryAfter caps the 429 wait.
	MaxRetryAfter time.Duration
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
}

// DefaultRetryPolicy: one refresh on 401, one wait-and-retry on 429 capped at 30s, 15s per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RefreshOnUnauthorized: true,
		RetryOnRateLimit:      true,
		MaxRetryAfter:         30 * time.Second,
		Timeout:               15 * time.Second,
	}
}

// Response is a fully-read Helix response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode helix response: %w", err)
	}
	return nil
}

// APIError is a non-2xx Helix response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("helix %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("helix %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Doer is the request capability the typed endpoint helpers are built on.
type Doer interface {
	Do(ctx context.Context, method, path string, query url.Values, body any) (*Response, error)
}

// HelixClient calls the Twitch Helix API with an app access token.
type HelixClient struct {
	tokens     AppTokenSource
	clientID   string
	baseURL    string
	httpClient *http.Client
	policy     RetryPolicy
	clock      clockwork.Clock
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*Response]

	callbackURL    string
	eventSubSecret string
}

// Option configures a HelixClient.
type Option func(*HelixClient)

// WithBaseURL points the client at another Helix root (tests, mocks).
func WithBaseURL(u string) Option {
	return func(c *HelixClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HelixClient) { c.httpClient = hc }
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *HelixClient) { c.policy = p }
}

// WithClock injects the clock used for rate-limit waits.
func WithClock(clk clockwork.Clock) Option {
	return func(c *HelixClient) { c.clock = clk }
}

// WithRateLimit sets the client-side request rate.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *HelixClient) { c.limiter = rate.NewLimiter(r, burst) }
}

// WithEventSubTransport sets the webhook callback and secret used when creating subscriptions.
func WithEventSubTransport(callbackURL, secret string) Option {
	return func(c *HelixClient) {
		c.callbackURL = callbackURL
		c.eventSubSecret = secret
	}
}

// NewHelixClient builds a client. The breaker opens after five consecutive
// server-side failures and probes again after 30s.
func NewHelixClient(tokens AppTokenSource, clientID string, opts ...Option) *HelixClient {
	c := &HelixClient{
		tokens:     tokens,
		clientID:   clientID,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		policy:     DefaultRetryPolicy(),
		clock:      clockwork.NewRealClock(),
		limiter:    rate.NewLimiter(defaultRateLimit, defaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "twitch-helix",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			telemetry.UpdateCircuitGauge(to == gobreaker.StateOpen)
			slog.Warn("twitch circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
				slog.String("component", "twitch_helix"))
		},
	})
	return c
}

// breakerSuccess treats client errors as successes so a 404 or 409 never trips the breaker.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
	}
	return errors.Is(err, context.Canceled)
}

// CallbackURL returns the configured EventSub webhook callback.
func (c *HelixClient) CallbackURL() string { return c.callbackURL }

// Do performs one Helix request under the retry policy. Non-2xx responses are
// returned together with an *APIError.
func (c *HelixClient) Do(ctx context.Context, method, path string, query url.Values, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode helix request: %w", err)
		}
		payload = b
	}

	resp, err := c.breaker.Execute(func() (*Response, error) {
		return c.doWithRetry(ctx, method, path, query, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s %s", ErrCircuitOpen, method, path)
	}
	return resp, err
}

func (c *HelixClient) doWithRetry(ctx context.Context, method, path string, query url.Values, payload []byte) (*Response, error) {
	refreshed, waited := false, false
	for {
		resp, tok, err := c.attempt(ctx, method, path, query, payload)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && c.policy.RefreshOnUnauthorized && !refreshed:
			refreshed = true
			slog.Info("helix returned 401, refreshing app token", slog.String("path", path), slog.String("component", "twitch_helix"))
			c.tokens.Invalidate(tok)
			continue
		case resp.StatusCode == http.StatusTooManyRequests && c.policy.RetryOnRateLimit && !waited:
			waited = true
			wait := c.retryAfter(resp.Header)
			slog.Warn("helix rate limited, waiting before retry",
				slog.String("path", path), slog.Duration("wait", wait), slog.String("component", "twitch_helix"))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.clock.After(wait):
			}
			continue
		}

		if resp.StatusCode >= 400 {
			return resp, apiError(method, path, resp)
		}
		return resp, nil
	}
}

func (c *HelixClient) attempt(ctx context.Context, method, path string, query url.Values, payload []byte) (*Response, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}
	tok, err := c.tokens.Get(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("app token unavailable: %w", err)
	}

	if c.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.Timeout)
		defer cancel()
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, tok, err
	}
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if telemetry.HelixRequestDuration != nil {
		telemetry.HelixRequestDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		telemetry.IncVec(telemetry.HelixRequests, path, "error")
		return nil, tok, fmt.Errorf("helix %s %s: %w", method, path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		telemetry.IncVec(telemetry.HelixRequests, path, "error")
		return nil, tok, fmt.Errorf("read helix response: %w", err)
	}
	telemetry.IncVec(telemetry.HelixRequests, path, strconv.Itoa(resp.StatusCode))
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, tok, nil
}

// retryAfter reads Retry-After (seconds or HTTP date) and falls back to
// Twitch's Ratelimit-Reset epoch header. The result is capped by the policy.
func (c *HelixClient) retryAfter(h http.Header) time.Duration {
	now := c.clock.Now()
	wait := time.Second
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			wait = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			wait = at.Sub(now)
		}
	} else if v := strings.TrimSpace(h.Get("Ratelimit-Reset")); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			wait = time.Unix(epoch, 0).Sub(now)
		}
	}
	if wait < 0 {
		wait = 0
	}
	if c.policy.MaxRetryAfter > 0 && wait > c.policy.MaxRetryAfter {
		wait = c.policy.MaxRetryAfter
	}
	return wait
}

func apiError(method, path string, resp *Response) *APIError {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := ""
	if json.Unmarshal(resp.Body, &body) == nil {
		msg = body.Message
		if msg == "" {
			msg = body.Error
		}
	}
	return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: msg}
}
