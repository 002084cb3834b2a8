// Package db tests for database connection management.
package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/actionunit/aumanager/backend/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(tmpDir, FileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

// TestOpen_appliesMigrations verifies the kv and sync_runs tables exist.
func TestOpen_appliesMigrations(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"kv", "sync_runs", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

// TestOpen_reopen verifies migrations are idempotent across restarts.
func TestOpen_reopen(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	kv := NewKV(first)
	if err := kv.Put(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	first.Close()

	second, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer second.Close()

	got, ok, err := NewKV(second).Get(context.Background(), "k")
	if err != nil || !ok || string(got) != "v" {
		t.Errorf("Get() after reopen = %q, %v, %v", got, ok, err)
	}
}

// TestOpen_invalidDir verifies an unusable directory is reported.
func TestOpen_invalidDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(filepath.Join(file, "sub")); err == nil {
		t.Error("Open() under a regular file should fail")
	}
}

// =====================================================
// Run Log Tests
// =====================================================

// TestRunLog_RecordAndRecent verifies run history ordering and round trip.
func TestRunLog_RecordAndRecent(t *testing.T) {
	db := openTestDB(t)
	log := NewRunLog(db)
	ctx := context.Background()
	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		res := models.SyncResult{
			Success:     i != 1,
			SyncedItems: i,
			FailedItems: 1 - min(i, 1),
			Errors:      []string{},
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		}
		if i == 1 {
			res.Errors = []string{"attendance a1: boom"}
		}
		if err := log.Record(ctx, base, res); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	runs, err := log.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(Recent) = %d, want 2", len(runs))
	}
	if runs[0].SyncedItems != 2 {
		t.Errorf("newest run synced = %d, want 2", runs[0].SyncedItems)
	}
	second := runs[1].Result()
	if second.Success || len(second.Errors) != 1 || second.Errors[0] != "attendance a1: boom" {
		t.Errorf("second run = %+v", second)
	}

	if err := log.Prune(ctx, 1); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	runs, _ = log.Recent(ctx, 10)
	if len(runs) != 1 {
		t.Errorf("after Prune len = %d, want 1", len(runs))
	}
}
