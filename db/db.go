// Package db provides database connection helpers, schema migration, and the monitor's advisory lock.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("database dsn empty")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	database.SetMaxOpenConns(10)
	database.SetMaxIdleConns(5)
	database.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return database, nil
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the fallback when versioned migrations cannot run.
func Migrate(ctx context.Context, db *sql.DB) error { return migratePostgres(ctx, db) }

func migratePostgres(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streamers (
			guild_id TEXT NOT NULL,
			broadcaster_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			is_live BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (guild_id, broadcaster_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streamers_broadcaster ON streamers (broadcaster_id)`,
		`CREATE INDEX IF NOT EXISTS idx_streamers_live ON streamers (is_live) WHERE is_live`,
		`CREATE TABLE IF NOT EXISTS stream_snapshots (
			id BIGSERIAL PRIMARY KEY,
			broadcaster_id TEXT NOT NULL,
			user_login TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			game_name TEXT NOT NULL DEFAULT '',
			viewer_count INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_snapshots_broadcaster_recorded ON stream_snapshots (broadcaster_id, recorded_at DESC)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
