// Package tracker implements the follow, unfollow and list flows that tie
// a guild channel to a Twitch broadcaster.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/live-relay/registry"
	"github.com/onnwee/live-relay/telemetry"
	"github.com/onnwee/live-relay/twitchapi"
)

// ErrBroadcasterNotFound is returned when Twitch knows no user with the login.
var ErrBroadcasterNotFound = errors.New("tracker: broadcaster not found")

// ErrInvalidLogin is returned for an empty login.
var ErrInvalidLogin = errors.New("tracker: login required")

// Registry is the subset of registry.Store used here.
type Registry interface {
	Track(ctx context.Context, guildID, broadcasterID, channelID string) error
	Remove(ctx context.Context, guildID, broadcasterID string) (bool, error)
	IsBroadcasterTracked(ctx context.Context, broadcasterID string) (bool, error)
	ListByGuild(ctx context.Context, guildID string) ([]registry.Subscription, error)
}

// Upstream is the Twitch side. *twitchapi.HelixClient implements it.
type Upstream interface {
	ResolveUser(ctx context.Context, login string) (*twitchapi.User, error)
	UsersByID(ctx context.Context, ids []string) (map[string]twitchapi.User, error)
	EnsureStreamSubscriptions(ctx context.Context, broadcasterID string) error
	ListSubscriptions(ctx context.Context, subType string) ([]twitchapi.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// Entry is one followed broadcaster as shown to a guild.
type Entry struct {
	BroadcasterID string `json:"broadcaster_id"`
	Login         string `json:"login,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	ChannelID     string `json:"channel_id"`
	IsLive        bool   `json:"is_live"`
}

// Service coordinates the registry and Twitch.
type Service struct {
	registry Registry
	upstream Upstream
}

func New(reg Registry, up Upstream) *Service {
	return &Service{registry: reg, upstream: up}
}

// Follow registers guildID to be notified in channelID when login goes live.
// The EventSub subscriptions are created right away; if that fails the
// registration stands and the monitor's audit recreates them later.
func (s *Service) Follow(ctx context.Context, guildID, login, channelID string) (*twitchapi.User, error) {
	user, err := s.resolve(ctx, login)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Track(ctx, guildID, user.ID, channelID); err != nil {
		return nil, err
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "tracker"), slog.String("guild_id", guildID), slog.String("broadcaster_id", user.ID))
	if err := s.upstream.EnsureStreamSubscriptions(ctx, user.ID); err != nil {
		logger.Warn("eventsub subscribe failed; monitor will retry", slog.Any("err", err))
	}
	logger.Info("broadcaster followed", slog.String("login", user.Login), slog.String("channel_id", channelID))
	return user, nil
}

// Unfollow removes the guild's follow. When no guild follows the broadcaster
// any more, its upstream subscriptions are deleted.
func (s *Service) Unfollow(ctx context.Context, guildID, login string) (*twitchapi.User, error) {
	user, err := s.resolve(ctx, login)
	if err != nil {
		return nil, err
	}
	removed, err := s.registry.Remove(ctx, guildID, user.ID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, registry.ErrNotTracked
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "tracker"), slog.String("guild_id", guildID), slog.String("broadcaster_id", user.ID))
	logger.Info("broadcaster unfollowed", slog.String("login", user.Login))

	stillTracked, err := s.registry.IsBroadcasterTracked(ctx, user.ID)
	if err != nil {
		logger.Warn("tracked check failed, keeping subscriptions", slog.Any("err", err))
		return user, nil
	}
	if !stillTracked {
		if err := s.pruneSubscriptions(ctx, user.ID); err != nil {
			logger.Warn("prune subscriptions failed", slog.Any("err", err))
		}
	}
	return user, nil
}

// List returns the guild's follows, decorated with Twitch logins when Twitch
// is reachable.
func (s *Service) List(ctx context.Context, guildID string) ([]Entry, error) {
	subs, err := s.registry.ListByGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(subs))
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		entries = append(entries, Entry{BroadcasterID: sub.BroadcasterID, ChannelID: sub.ChannelID, IsLive: sub.IsLive})
		ids = append(ids, sub.BroadcasterID)
	}
	if len(ids) == 0 {
		return entries, nil
	}
	users, err := s.upstream.UsersByID(ctx, ids)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("user lookup failed, listing ids only", slog.String("component", "tracker"), slog.Any("err", err))
		return entries, nil
	}
	for i := range entries {
		if u, ok := users[entries[i].BroadcasterID]; ok {
			entries[i].Login = u.Login
			entries[i].DisplayName = u.DisplayName
		}
	}
	return entries, nil
}

func (s *Service) resolve(ctx context.Context, login string) (*twitchapi.User, error) {
	login = twitchapi.NormalizeLogin(login)
	if login == "" {
		return nil, ErrInvalidLogin
	}
	user, err := s.upstream.ResolveUser(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", login, err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrBroadcasterNotFound, login)
	}
	return user, nil
}

func (s *Service) pruneSubscriptions(ctx context.Context, broadcasterID string) error {
	var errs []error
	for _, subType := range []string{twitchapi.SubTypeStreamOnline, twitchapi.SubTypeStreamOffline} {
		subs, err := s.upstream.ListSubscriptions(ctx, subType)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, sub := range subs {
			if sub.Condition.BroadcasterUserID != broadcasterID {
				continue
			}
			if err := s.upstream.DeleteSubscription(ctx, sub.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
