package db

import (
	"context"
	"testing"
)

func TestRunMigrations(t *testing.T) {
	database := openIsolated(t)

	if err := RunMigrations(database); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	for _, table := range []string{"streamers", "stream_snapshots", "schema_migrations"} {
		if !tableExists(t, database, table) {
			t.Errorf("table %s missing after RunMigrations", table)
		}
	}

	version, dirty, err := GetMigrationVersion(database)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if dirty {
		t.Error("schema should not be dirty")
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	database := openIsolated(t)
	for i := 0; i < 3; i++ {
		if err := RunMigrations(database); err != nil {
			t.Fatalf("RunMigrations() run %d error = %v", i+1, err)
		}
	}
}

func TestMigrationUpDown(t *testing.T) {
	database := openIsolated(t)
	if err := RunMigrations(database); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	if err := MigrateDown(database); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, database, "stream_snapshots") {
		t.Error("stream_snapshots should be dropped after one step down")
	}
	if !tableExists(t, database, "streamers") {
		t.Error("streamers should survive one step down")
	}
	version, _, err := GetMigrationVersion(database)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}

	if err := RunMigrations(database); err != nil {
		t.Fatalf("re-apply error = %v", err)
	}
	if !tableExists(t, database, "stream_snapshots") {
		t.Error("stream_snapshots missing after re-apply")
	}
}

func TestMigrationWithData(t *testing.T) {
	database := openIsolated(t)
	ctx := context.Background()
	if err := RunMigrations(database); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	if _, err := database.ExecContext(ctx,
		`INSERT INTO streamers (guild_id, broadcaster_id, channel_id, is_live) VALUES ('g', 'b', 'c', TRUE)`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// The legacy path must be a no-op on a versioned schema.
	if err := Migrate(ctx, database); err != nil {
		t.Fatalf("Migrate() on versioned schema error = %v", err)
	}
	var live bool
	if err := database.QueryRowContext(ctx, `SELECT is_live FROM streamers WHERE guild_id='g'`).Scan(&live); err != nil {
		t.Fatalf("select: %v", err)
	}
	if !live {
		t.Error("existing row changed by Migrate")
	}
}
