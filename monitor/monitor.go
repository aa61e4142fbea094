// Package monitor runs the leader-elected reconciliation loop that keeps
// EventSub subscriptions and registry live flags consistent with Twitch.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/live-relay/registry"
	"github.com/onnwee/live-relay/telemetry"
	"github.com/onnwee/live-relay/twitchapi"
)

// ErrNotLeader is returned by Run when another replica holds the lock.
var ErrNotLeader = errors.New("monitor: lock held by another instance")

const (
	// DefaultInterval sits in the middle of the allowed 3-5 minute range.
	DefaultInterval = 4 * time.Minute
	releaseTimeout  = 5 * time.Second
)

// State is the monitor lifecycle.
type State int

const (
	StateNotLeader State = iota
	StateLeader
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotLeader:
		return "not_leader"
	case StateLeader:
		return "leader"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Locker is a non-blocking cross-replica mutex. *db.AdvisoryLock implements it.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Registry is the subset of registry.Store the monitor reads and corrects.
type Registry interface {
	DistinctBroadcasterIDs(ctx context.Context) ([]string, error)
	LiveSubscriptions(ctx context.Context) ([]registry.Subscription, error)
	SetLiveState(ctx context.Context, guildID, broadcasterID string, live bool) error
	RecordSnapshot(ctx context.Context, snap registry.Snapshot) error
}

// Upstream is the Twitch side. *twitchapi.HelixClient implements it.
type Upstream interface {
	ListSubscriptions(ctx context.Context, subType string) ([]twitchapi.Subscription, error)
	EnsureStreamSubscriptions(ctx context.Context, broadcasterID string) error
	DeleteSubscription(ctx context.Context, id string) error
	LiveStreams(ctx context.Context, ids []string) (map[string]twitchapi.Stream, error)
	DropsEntitlements(ctx context.Context) ([]twitchapi.DropEntitlement, error)
}

// BadgeRefresher refreshes the badge cache. *badges.Refresher implements it.
type BadgeRefresher interface {
	Refresh(ctx context.Context) (int, error)
}

// Stats is a point-in-time view for the admin API.
type Stats struct {
	State         string    `json:"state"`
	Cycles        int64     `json:"cycles"`
	Failures      int64     `json:"failures"`
	LastCycleAt   time.Time `json:"last_cycle_at,omitempty"`
	LastCycleTook string    `json:"last_cycle_took,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Monitor owns the reconciliation loop.
type Monitor struct {
	locker   Locker
	registry Registry
	upstream Upstream
	badges   BadgeRefresher
	clock    clockwork.Clock
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	cycles    int64
	failures  int64
	lastAt    time.Time
	lastTook  time.Duration
	lastError string
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithClock(c clockwork.Clock) Option { return func(m *Monitor) { m.clock = c } }

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithBadges enables the badge refresh step.
func WithBadges(b BadgeRefresher) Option { return func(m *Monitor) { m.badges = b } }

// New builds a monitor in the NotLeader state.
func New(locker Locker, reg Registry, up Upstream, opts ...Option) *Monitor {
	m := &Monitor{
		locker:   locker,
		registry: reg,
		upstream: up,
		clock:    clockwork.NewRealClock(),
		interval: DefaultInterval,
		logger:   slog.Default().With(slog.String("component", "monitor")),
		state:    StateNotLeader,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run acquires leadership and loops until ctx is cancelled. It returns
// ErrNotLeader immediately when another instance is already the leader.
func (m *Monitor) Run(ctx context.Context) error {
	ok, err := m.locker.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("acquire monitor lock: %w", err)
	}
	if !ok {
		m.setState(StateNotLeader)
		m.logger.Info("monitor lock held elsewhere, standing by")
		return ErrNotLeader
	}
	m.setState(StateLeader)
	telemetry.SetLeader(true)
	m.logger.Info("monitor leadership acquired", slog.Duration("interval", m.interval))

	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := m.locker.Unlock(relCtx); err != nil {
			m.logger.Warn("monitor lock release failed", slog.Any("err", err))
		}
		telemetry.SetLeader(false)
		m.setState(StateStopped)
		m.logger.Info("monitor stopped")
	}()

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.setState(StateRunning)
	_ = m.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			_ = m.RunCycle(ctx)
		}
	}
}

// RunCycle performs one reconciliation pass. Each step is isolated: a failing
// or panicking step never prevents the next one from running. The returned
// error joins the failures that count against the cycle.
func (m *Monitor) RunCycle(ctx context.Context) error {
	start := m.clock.Now()
	cycleCtx := telemetry.WithCorrelation(ctx, fmt.Sprintf("monitor-%d", start.UnixNano()))

	var failed []error
	if _, err := m.step(cycleCtx, "audit_subscriptions", m.auditSubscriptions); err != nil {
		failed = append(failed, err)
	}
	if _, err := m.step(cycleCtx, "reconcile_live_state", m.reconcileLiveState); err != nil {
		failed = append(failed, err)
	}
	// Best effort: only a panic counts against the cycle.
	if panicked, err := m.step(cycleCtx, "refresh_badges", m.refreshBadges); panicked {
		failed = append(failed, err)
	}
	if panicked, err := m.step(cycleCtx, "check_drops", m.checkDrops); panicked {
		failed = append(failed, err)
	}

	took := m.clock.Since(start)
	cycleErr := errors.Join(failed...)

	telemetry.IncCounter(telemetry.MonitorCycles)
	if cycleErr != nil {
		telemetry.IncCounter(telemetry.MonitorCycleFailures)
	}
	if telemetry.MonitorCycleDuration != nil {
		telemetry.MonitorCycleDuration.Observe(took.Seconds())
	}

	m.mu.Lock()
	m.cycles++
	m.lastAt = start
	m.lastTook = took
	m.lastError = ""
	if cycleErr != nil {
		m.failures++
		m.lastError = cycleErr.Error()
	}
	m.mu.Unlock()

	m.logger.InfoContext(cycleCtx, "monitor cycle complete", slog.Duration("took", took), slog.Bool("failed", cycleErr != nil))
	return cycleErr
}

func (m *Monitor) step(ctx context.Context, name string, fn func(context.Context) error) (panicked bool, err error) {
	logger := m.logger.With(slog.String("step", name))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
			panicked = true
			logger.ErrorContext(ctx, "monitor step panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	if err := fn(ctx); err != nil {
		logger.WarnContext(ctx, "monitor step failed", slog.Any("err", err))
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return false, nil
}

// auditSubscriptions makes sure every tracked broadcaster has a usable
// stream.online subscription. Subscriptions Twitch marked as failed are
// removed first so they can be recreated.
func (m *Monitor) auditSubscriptions(ctx context.Context) error {
	ids, err := m.registry.DistinctBroadcasterIDs(ctx)
	if err != nil {
		return fmt.Errorf("list tracked broadcasters: %w", err)
	}
	telemetry.SetTrackedBroadcasters(len(ids))
	if len(ids) == 0 {
		return nil
	}

	subs, err := m.upstream.ListSubscriptions(ctx, twitchapi.SubTypeStreamOnline)
	if err != nil {
		return fmt.Errorf("list eventsub subscriptions: %w", err)
	}

	tracked := make(map[string]bool, len(ids))
	for _, id := range ids {
		tracked[id] = true
	}
	covered := make(map[string]bool, len(subs))
	for _, s := range subs {
		bid := s.Condition.BroadcasterUserID
		if s.Active() {
			covered[bid] = true
			continue
		}
		if tracked[bid] {
			m.logger.Warn("removing unusable subscription", slog.String("subscription_id", s.ID), slog.String("status", s.Status), slog.String("broadcaster_id", bid))
			if err := m.upstream.DeleteSubscription(ctx, s.ID); err != nil {
				m.logger.Warn("delete subscription failed", slog.String("subscription_id", s.ID), slog.Any("err", err))
			}
		}
	}

	var errs []error
	for _, id := range ids {
		if covered[id] {
			continue
		}
		m.logger.Info("recreating missing subscriptions", slog.String("broadcaster_id", id))
		if err := m.upstream.EnsureStreamSubscriptions(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("broadcaster %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// reconcileLiveState resets registry rows that claim a live stream Twitch no
// longer reports. A failed batch query skips correction for the whole cycle.
func (m *Monitor) reconcileLiveState(ctx context.Context) error {
	rows, err := m.registry.LiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list live rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.BroadcasterID)
	}

	live, err := m.upstream.LiveStreams(ctx, ids)
	if err != nil {
		return fmt.Errorf("query live streams: %w", err)
	}

	var errs []error
	for _, r := range rows {
		if _, ok := live[r.BroadcasterID]; ok {
			continue
		}
		if err := m.registry.SetLiveState(ctx, r.GuildID, r.BroadcasterID, false); err != nil {
			errs = append(errs, fmt.Errorf("reset %s/%s: %w", r.GuildID, r.BroadcasterID, err))
			continue
		}
		telemetry.IncCounter(telemetry.DriftCorrections)
		m.logger.Info("corrected stale live flag", slog.String("guild_id", r.GuildID), slog.String("broadcaster_id", r.BroadcasterID))
	}

	now := m.clock.Now()
	for _, s := range live {
		snap := registry.Snapshot{
			BroadcasterID: s.UserID,
			Login:         s.UserLogin,
			Title:         s.Title,
			GameName:      s.GameName,
			ViewerCount:   s.ViewerCount,
			StartedAt:     s.StartedAt,
			RecordedAt:    now,
		}
		if err := m.registry.RecordSnapshot(ctx, snap); err != nil {
			m.logger.Warn("record snapshot failed", slog.String("broadcaster_id", s.UserID), slog.Any("err", err))
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) refreshBadges(ctx context.Context) error {
	if m.badges == nil {
		return nil
	}
	n, err := m.badges.Refresh(ctx)
	if err != nil {
		return err
	}
	m.logger.Debug("badge cache refreshed", slog.Int("sets", n))
	return nil
}

func (m *Monitor) checkDrops(ctx context.Context) error {
	drops, err := m.upstream.DropsEntitlements(ctx)
	if err != nil {
		return err
	}
	m.logger.Debug("drops entitlements checked", slog.Int("count", len(drops)))
	return nil
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns counters and the last cycle outcome.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		State:       m.state.String(),
		Cycles:      m.cycles,
		Failures:    m.failures,
		LastCycleAt: m.lastAt,
		LastError:   m.lastError,
	}
	if !m.lastAt.IsZero() {
		st.LastCycleTook = m.lastTook.String()
	}
	return st
}
