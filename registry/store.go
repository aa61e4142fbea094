// Package registry persists which Discord guilds follow which Twitch broadcasters,
// and whether each guild has already been told the broadcaster is live.
//
// The is_live column is the only record of announced state: a row with
// is_live=true has had its announcement delivered and must not be announced
// again until an offline event or drift correction resets it.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxBroadcasters is the system-wide cap on distinct tracked broadcasters.
const DefaultMaxBroadcasters = 100

// trackLockKey serialises Track calls so the cap check and insert see a consistent count.
const trackLockKey int64 = 0x54524B // "TRK"

var (
	// ErrAlreadyTracked is returned when the guild already follows the broadcaster.
	ErrAlreadyTracked = errors.New("broadcaster already tracked in this guild")
	// ErrCapReached is returned when adding a new broadcaster would exceed the cap.
	ErrCapReached = errors.New("tracked broadcaster limit reached")
	// ErrNotTracked is returned when removing a follow that does not exist.
	ErrNotTracked = errors.New("broadcaster not tracked in this guild")
)

// Subscription is one guild following one broadcaster.
type Subscription struct {
	GuildID       string
	BroadcasterID string
	ChannelID     string
	IsLive        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store is the Postgres-backed registry.
type Store struct {
	db              *sql.DB
	maxBroadcasters int
}

// New returns a Store enforcing maxBroadcasters (DefaultMaxBroadcasters when <= 0).
func New(db *sql.DB, maxBroadcasters int) *Store {
	if maxBroadcasters <= 0 {
		maxBroadcasters = DefaultMaxBroadcasters
	}
	return &Store{db: db, maxBroadcasters: maxBroadcasters}
}

// MaxBroadcasters returns the configured cap.
func (s *Store) MaxBroadcasters() int { return s.maxBroadcasters }

// Add upserts a follow. An existing row keeps its is_live flag; only the channel changes.
func (s *Store) Add(ctx context.Context, guildID, broadcasterID, channelID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streamers (guild_id, broadcaster_id, channel_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (guild_id, broadcaster_id)
		DO UPDATE SET channel_id = EXCLUDED.channel_id, updated_at = NOW()`,
		guildID, broadcasterID, channelID)
	if err != nil {
		return fmt.Errorf("add streamer %s to guild %s: %w", broadcasterID, guildID, err)
	}
	return nil
}

// Track registers a new follow for the admin path. Duplicates are rejected with
// ErrAlreadyTracked before insert; a broadcaster not yet tracked by any guild is
// rejected with ErrCapReached once the cap is hit.
func (s *Store) Track(ctx context.Context, guildID, broadcasterID, channelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin track: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, trackLockKey); err != nil {
		return fmt.Errorf("track lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM streamers WHERE guild_id = $1 AND broadcaster_id = $2)`,
		guildID, broadcasterID).Scan(&exists); err != nil {
		return fmt.Errorf("check existing follow: %w", err)
	}
	if exists {
		return ErrAlreadyTracked
	}

	var known bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM streamers WHERE broadcaster_id = $1)`,
		broadcasterID).Scan(&known); err != nil {
		return fmt.Errorf("check broadcaster: %w", err)
	}
	if !known {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(DISTINCT broadcaster_id) FROM streamers`).Scan(&count); err != nil {
			return fmt.Errorf("count broadcasters: %w", err)
		}
		if count >= s.maxBroadcasters {
			return ErrCapReached
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO streamers (guild_id, broadcaster_id, channel_id) VALUES ($1, $2, $3)`,
		guildID, broadcasterID, channelID); err != nil {
		return fmt.Errorf("insert follow: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit track: %w", err)
	}
	return nil
}

// Remove deletes a follow. It reports whether a row existed.
func (s *Store) Remove(ctx context.Context, guildID, broadcasterID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM streamers WHERE guild_id = $1 AND broadcaster_id = $2`, guildID, broadcasterID)
	if err != nil {
		return false, fmt.Errorf("remove streamer %s from guild %s: %w", broadcasterID, guildID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Exists reports whether the guild follows the broadcaster.
func (s *Store) Exists(ctx context.Context, guildID, broadcasterID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM streamers WHERE guild_id = $1 AND broadcaster_id = $2)`,
		guildID, broadcasterID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check follow: %w", err)
	}
	return exists, nil
}

// IsBroadcasterTracked reports whether any guild follows the broadcaster.
func (s *Store) IsBroadcasterTracked(ctx context.Context, broadcasterID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM streamers WHERE broadcaster_id = $1)`, broadcasterID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check broadcaster: %w", err)
	}
	return exists, nil
}

// GuildsForStreamer returns every follow of the broadcaster.
func (s *Store) GuildsForStreamer(ctx context.Context, broadcasterID string) ([]Subscription, error) {
	return s.query(ctx, `
		SELECT guild_id, broadcaster_id, channel_id, is_live, created_at, updated_at
		FROM streamers WHERE broadcaster_id = $1
		ORDER BY guild_id`, broadcasterID)
}

// ListByGuild returns the guild's follows.
func (s *Store) ListByGuild(ctx context.Context, guildID string) ([]Subscription, error) {
	return s.query(ctx, `
		SELECT guild_id, broadcaster_id, channel_id, is_live, created_at, updated_at
		FROM streamers WHERE guild_id = $1
		ORDER BY created_at, broadcaster_id`, guildID)
}

// LiveSubscriptions returns rows currently announced as live.
func (s *Store) LiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	return s.query(ctx, `
		SELECT guild_id, broadcaster_id, channel_id, is_live, created_at, updated_at
		FROM streamers WHERE is_live
		ORDER BY broadcaster_id, guild_id`)
}

// SetLiveState updates one row's announced state.
func (s *Store) SetLiveState(ctx context.Context, guildID, broadcasterID string, live bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE streamers SET is_live = $3, updated_at = NOW()
		WHERE guild_id = $1 AND broadcaster_id = $2`, guildID, broadcasterID, live)
	if err != nil {
		return fmt.Errorf("set live=%t for %s in guild %s: %w", live, broadcasterID, guildID, err)
	}
	return nil
}

// MarkOffline clears is_live on every follow of the broadcaster and returns how
// many rows changed. Repeated calls are harmless.
func (s *Store) MarkOffline(ctx context.Context, broadcasterID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE streamers SET is_live = FALSE, updated_at = NOW()
		WHERE broadcaster_id = $1 AND is_live`, broadcasterID)
	if err != nil {
		return 0, fmt.Errorf("mark %s offline: %w", broadcasterID, err)
	}
	return res.RowsAffected()
}

// DistinctBroadcasterIDs returns every tracked broadcaster once.
func (s *Store) DistinctBroadcasterIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT broadcaster_id FROM streamers ORDER BY broadcaster_id`)
	if err != nil {
		return nil, fmt.Errorf("list broadcasters: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountDistinctBroadcasters returns the number of distinct tracked broadcasters.
func (s *Store) CountDistinctBroadcasters(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT broadcaster_id) FROM streamers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count broadcasters: %w", err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query streamers: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.GuildID, &sub.BroadcasterID, &sub.ChannelID, &sub.IsLive, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
