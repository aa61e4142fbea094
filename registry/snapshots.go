package registry

import (
	"context"
	"fmt"
	"time"
)

// Snapshot is a point-in-time observation of a live stream.
type Snapshot struct {
	BroadcasterID string
	Login         string
	Title         string
	GameName      string
	ViewerCount   int
	StartedAt     time.Time
	RecordedAt    time.Time
}

// RecordSnapshot appends one observation. A zero RecordedAt means now.
func (s *Store) RecordSnapshot(ctx context.Context, snap Snapshot) error {
	var started any
	if !snap.StartedAt.IsZero() {
		started = snap.StartedAt
	}
	recorded := snap.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_snapshots (broadcaster_id, user_login, title, game_name, viewer_count, started_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.BroadcasterID, snap.Login, snap.Title, snap.GameName, snap.ViewerCount, started, recorded)
	if err != nil {
		return fmt.Errorf("record snapshot for %s: %w", snap.BroadcasterID, err)
	}
	return nil
}

// RecentSnapshots returns up to limit observations for the broadcaster, newest first.
func (s *Store) RecentSnapshots(ctx context.Context, broadcasterID string, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT broadcaster_id, user_login, title, game_name, viewer_count, started_at, recorded_at
		FROM stream_snapshots
		WHERE broadcaster_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2`, broadcasterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap    Snapshot
			started *time.Time
		)
		if err := rows.Scan(&snap.BroadcasterID, &snap.Login, &snap.Title, &snap.GameName, &snap.ViewerCount, &started, &snap.RecordedAt); err != nil {
			return nil, err
		}
		if started != nil {
			snap.StartedAt = *started
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
