package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// AdvisoryLock is a session-level pg_advisory_lock held on a pinned connection.
// Postgres releases the lock when that connection closes, so a crashed leader
// frees the key without intervention.
type AdvisoryLock struct {
	db  *sql.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewAdvisoryLock returns an unheld lock for key.
func NewAdvisoryLock(db *sql.DB, key int64) *AdvisoryLock {
	return &AdvisoryLock{db: db, key: key}
}

// Key returns the lock key.
func (l *AdvisoryLock) Key() int64 { return l.key }

// TryLock attempts a non-blocking acquire. It returns false without error when
// another session holds the key. Calling TryLock while already holding the lock
// returns true.
func (l *AdvisoryLock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return true, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !acquired {
		if err := conn.Close(); err != nil {
			slog.Warn("failed to release advisory lock conn", slog.Any("err", err), slog.String("component", "db_lock"))
		}
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Held reports whether this instance currently owns the lock.
func (l *AdvisoryLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Unlock releases the lock and returns the pinned connection to the pool.
// Unlocking an unheld lock is a no-op.
func (l *AdvisoryLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil

	var released bool
	err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&released)
	if err != nil {
		// The session may still hold the key; discard the physical connection
		// so the server drops it instead of returning it to the pool.
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		_ = conn.Close()
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	closeErr := conn.Close()
	if !released {
		return errors.New("advisory lock was not held by this session")
	}
	return closeErr
}
