// Package discord adapts a discordgo session to the narrow messaging surface
// the notifier needs.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// ErrMissingPermissions is returned when Discord rejects a send with code 50013.
var ErrMissingPermissions = errors.New("discord: missing permissions")

// ErrNotReady is reported by Ready before the gateway READY event arrives.
var ErrNotReady = errors.New("discord: session not ready")

// Session wraps a gateway-connected *discordgo.Session.
type Session struct {
	s *discordgo.Session
}

// Open connects to the Discord gateway with the given bot token. Only the
// guilds intent is requested; channel state is kept in the session cache.
func Open(token string) (*Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	s.StateEnabled = true
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		slog.Info("discord gateway ready", slog.String("component", "discord"), slog.String("user", r.User.Username), slog.Int("guilds", len(r.Guilds)))
	})
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord open: %w", err)
	}
	return &Session{s: s}, nil
}

// Wrap adapts an existing session (already opened by the caller).
func Wrap(s *discordgo.Session) *Session { return &Session{s: s} }

// Close disconnects from the gateway.
func (d *Session) Close() error { return d.s.Close() }

// Ready reports whether the gateway handshake has completed.
func (d *Session) Ready() error {
	if d.s == nil || !d.s.DataReady || d.s.State == nil || d.s.State.User == nil {
		return ErrNotReady
	}
	return nil
}

func (d *Session) botUserID() string {
	if d.s.State == nil || d.s.State.User == nil {
		return ""
	}
	return d.s.State.User.ID
}

// CachedChannel returns the channel from the gateway cache only.
func (d *Session) CachedChannel(channelID string) (*discordgo.Channel, bool) {
	if d.s.State == nil {
		return nil, false
	}
	ch, err := d.s.State.Channel(channelID)
	if err != nil || ch == nil {
		return nil, false
	}
	return ch, true
}

// FetchChannel fetches the channel over REST.
func (d *Session) FetchChannel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	ch, err := d.s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return ch, nil
}

// ChannelPermissions returns the bot's effective permissions in the channel,
// computed from cached state when possible and over REST otherwise.
func (d *Session) ChannelPermissions(ctx context.Context, channelID string) (int64, error) {
	uid := d.botUserID()
	if uid == "" {
		return 0, ErrNotReady
	}
	if d.s.State != nil {
		if perms, err := d.s.State.UserChannelPermissions(uid, channelID); err == nil {
			return perms, nil
		}
	}
	perms, err := d.s.UserChannelPermissions(uid, channelID, discordgo.WithContext(ctx))
	if err != nil {
		return 0, classify(err)
	}
	return perms, nil
}

// SendEmbed posts embed to channelID.
func (d *Session) SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error {
	if _, err := d.s.ChannelMessageSendEmbed(channelID, embed, discordgo.WithContext(ctx)); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps Discord permission failures onto ErrMissingPermissions while
// keeping the original error in the chain.
func classify(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Message != nil && rest.Message.Code == discordgo.ErrCodeMissingPermissions {
		return fmt.Errorf("%w: %w", ErrMissingPermissions, err)
	}
	return err
}
