// Package notifier announces stream go-live transitions into the Discord
// channels of every guild following the broadcaster.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/live-relay/discord"
	"github.com/onnwee/live-relay/eventsub"
	"github.com/onnwee/live-relay/registry"
	"github.com/onnwee/live-relay/telemetry"
	"github.com/onnwee/live-relay/twitchapi"
)

// RequiredPermissions must all be granted to the bot in a target channel.
const RequiredPermissions int64 = discordgo.PermissionViewChannel | discordgo.PermissionSendMessages | discordgo.PermissionEmbedLinks

// EmbedColor is Twitch purple.
const EmbedColor = 0x9146FF

// Registry is the subset of registry.Store the notifier uses.
type Registry interface {
	GuildsForStreamer(ctx context.Context, broadcasterID string) ([]registry.Subscription, error)
	SetLiveState(ctx context.Context, guildID, broadcasterID string, live bool) error
	MarkOffline(ctx context.Context, broadcasterID string) (int64, error)
}

// Messenger is the Discord side. *discord.Session implements it.
type Messenger interface {
	CachedChannel(channelID string) (*discordgo.Channel, bool)
	FetchChannel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	ChannelPermissions(ctx context.Context, channelID string) (int64, error)
	SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error
}

// StreamLookup fills in the title and game when the event omits them.
type StreamLookup interface {
	GetStream(ctx context.Context, broadcasterID string) (*twitchapi.Stream, error)
}

var errMissingPermissions = errors.New("bot lacks view/send/embed permission")

var (
	_ eventsub.Dispatcher = (*Notifier)(nil)
	_ Messenger           = (*discord.Session)(nil)
)

// Notifier implements eventsub.Dispatcher.
type Notifier struct {
	registry  Registry
	messenger Messenger
	streams   StreamLookup
}

// New builds a Notifier. streams may be nil.
func New(reg Registry, m Messenger, streams StreamLookup) *Notifier {
	return &Notifier{registry: reg, messenger: m, streams: streams}
}

// NotifyLive sends one announcement per following guild that has not already
// been told about this broadcast. A guild is only marked live after its send
// succeeds; one guild failing never blocks the rest.
func (n *Notifier) NotifyLive(ctx context.Context, ev eventsub.OnlineEvent) error {
	if ev.BroadcasterID == "" {
		return nil
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "notifier"), slog.String("broadcaster_id", ev.BroadcasterID))

	subs, err := n.registry.GuildsForStreamer(ctx, ev.BroadcasterID)
	if err != nil {
		return fmt.Errorf("guilds for %s: %w", ev.BroadcasterID, err)
	}

	var pending []registry.Subscription
	for _, sub := range subs {
		if !sub.IsLive {
			pending = append(pending, sub)
		}
	}
	if len(pending) == 0 {
		logger.Debug("no guild pending announcement", slog.Int("followers", len(subs)))
		return nil
	}

	embed := LiveEmbed(n.enrich(ctx, logger, ev))
	for _, sub := range pending {
		l := logger.With(slog.String("guild_id", sub.GuildID), slog.String("channel_id", sub.ChannelID))
		if err := n.deliver(ctx, sub.ChannelID, embed); err != nil {
			reason := "send"
			if errors.Is(err, errMissingPermissions) || errors.Is(err, discord.ErrMissingPermissions) {
				reason = "permissions"
			}
			telemetry.IncVec(telemetry.NotificationsFailed, reason)
			l.Error("live announcement failed", slog.Any("err", err))
			continue
		}
		telemetry.IncCounter(telemetry.NotificationsSent)
		if err := n.registry.SetLiveState(ctx, sub.GuildID, sub.BroadcasterID, true); err != nil {
			l.Error("mark live failed after send", slog.Any("err", err))
			continue
		}
		l.Info("live announcement sent")
	}
	return nil
}

// MarkOffline resets the live flag for every guild following the broadcaster.
func (n *Notifier) MarkOffline(ctx context.Context, ev eventsub.OfflineEvent) error {
	if ev.BroadcasterID == "" {
		return nil
	}
	rows, err := n.registry.MarkOffline(ctx, ev.BroadcasterID)
	if err != nil {
		return fmt.Errorf("mark offline %s: %w", ev.BroadcasterID, err)
	}
	telemetry.LoggerWithCorr(ctx).Info("broadcaster offline",
		slog.String("component", "notifier"), slog.String("broadcaster_id", ev.BroadcasterID), slog.Int64("rows", rows))
	return nil
}

func (n *Notifier) deliver(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error {
	if _, ok := n.messenger.CachedChannel(channelID); !ok {
		if _, err := n.messenger.FetchChannel(ctx, channelID); err != nil {
			return fmt.Errorf("resolve channel: %w", err)
		}
	}
	perms, err := n.messenger.ChannelPermissions(ctx, channelID)
	if err != nil {
		return fmt.Errorf("channel permissions: %w", err)
	}
	if perms&RequiredPermissions != RequiredPermissions {
		return errMissingPermissions
	}
	return n.messenger.SendEmbed(ctx, channelID, embed)
}

func (n *Notifier) enrich(ctx context.Context, logger *slog.Logger, ev eventsub.OnlineEvent) eventsub.OnlineEvent {
	if n.streams == nil || (ev.Title != "" && ev.Category != "") {
		return ev
	}
	s, err := n.streams.GetStream(ctx, ev.BroadcasterID)
	if err != nil {
		logger.Warn("stream lookup failed, announcing without title", slog.Any("err", err))
		return ev
	}
	if s == nil {
		return ev
	}
	if ev.Title == "" {
		ev.Title = s.Title
	}
	if ev.Category == "" {
		ev.Category = s.GameName
	}
	if ev.BroadcasterLogin == "" {
		ev.BroadcasterLogin = s.UserLogin
	}
	if ev.StartedAt.IsZero() {
		ev.StartedAt = s.StartedAt
	}
	return ev
}

// LiveEmbed renders the go-live announcement.
func LiveEmbed(ev eventsub.OnlineEvent) *discordgo.MessageEmbed {
	login := ev.BroadcasterLogin
	if login == "" {
		login = ev.BroadcasterName
	}
	url := "https://twitch.tv/" + login
	e := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("🔴 %s is Live!", login),
		URL:         url,
		Description: ev.Title,
		Color:       EmbedColor,
	}
	if ev.Category != "" {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Game", Value: ev.Category, Inline: true})
	}
	e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Watch", Value: url})
	if !ev.StartedAt.IsZero() {
		e.Timestamp = ev.StartedAt.UTC().Format(time.RFC3339)
	}
	return e
}
