package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// openIsolated returns a pool whose search_path points at a throwaway schema so
// migration tests can drop tables without touching other packages' data.
func openIsolated(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}

	admin, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	schema := fmt.Sprintf("relay_db_test_%d", time.Now().UnixNano())
	if _, err := admin.Exec(`CREATE SCHEMA ` + schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	isolated, err := sql.Open("pgx", withSearchPath(dsn, schema))
	if err != nil {
		t.Fatalf("open isolated: %v", err)
	}
	t.Cleanup(func() {
		isolated.Close()
		if _, err := admin.Exec(`DROP SCHEMA IF EXISTS ` + schema + ` CASCADE`); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		admin.Close()
	})
	return isolated
}

func withSearchPath(dsn, schema string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err == nil {
			q := u.Query()
			q.Set("search_path", schema)
			u.RawQuery = q.Encode()
			return u.String()
		}
	}
	return dsn + " search_path=" + schema
}

func tableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRow(`SELECT EXISTS (
		SELECT FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = $1
	)`, table).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", table, err)
	}
	return exists
}

func TestConnectEmptyDSN(t *testing.T) {
	if _, err := Connect(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestConnect(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	database, err := Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer database.Close()
}

func TestMigrateIdempotent(t *testing.T) {
	database := openIsolated(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, database); err != nil {
			t.Fatalf("Migrate() run %d error = %v", i+1, err)
		}
	}
	for _, table := range []string{"streamers", "stream_snapshots"} {
		if !tableExists(t, database, table) {
			t.Errorf("table %s missing after Migrate", table)
		}
	}
}

func TestStreamersDefaults(t *testing.T) {
	database := openIsolated(t)
	ctx := context.Background()
	if err := Migrate(ctx, database); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	if _, err := database.ExecContext(ctx,
		`INSERT INTO streamers (guild_id, broadcaster_id, channel_id) VALUES ('g1', 'b1', 'c1')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var live bool
	if err := database.QueryRowContext(ctx,
		`SELECT is_live FROM streamers WHERE guild_id='g1' AND broadcaster_id='b1'`).Scan(&live); err != nil {
		t.Fatalf("select: %v", err)
	}
	if live {
		t.Error("is_live should default to false")
	}

	_, err := database.ExecContext(ctx,
		`INSERT INTO streamers (guild_id, broadcaster_id, channel_id) VALUES ('g1', 'b1', 'c2')`)
	if err == nil {
		t.Error("expected primary key violation on duplicate (guild, broadcaster)")
	}
}
