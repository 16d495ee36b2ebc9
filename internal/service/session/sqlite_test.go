package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
)

func openTempSQLiteStore(t *testing.T, clock *fakeClock) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := OpenSQLite(context.Background(), path, Options{TTL: time.Hour, Now: clock.Now})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), "  ", Options{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	clock := newFakeClock()
	store := openTempSQLiteStore(t, clock)
	ctx := context.Background()

	created, err := store.Create(ctx, "Grandma", 5, 11)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created.FlowState = model.StatePermissionRequested
	created.BindTransport("t-1")
	created.SetMeta(model.MetaCameraGranted, "true")
	clock.Advance(10 * time.Minute)
	if err := store.Save(ctx, created); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := store.Get(ctx, created.Key, true)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.FlowState != model.StatePermissionRequested || !got.BoundTo("t-1") {
		t.Fatalf("unexpected session %+v", got)
	}
	if got.Revision != 2 {
		t.Fatalf("revision = %d, want 2", got.Revision)
	}
	if want := clock.Now().Add(time.Hour); !got.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt = %v, want %v", got.ExpiresAt, want)
	}
	if got.Meta(model.MetaCameraGranted) != "true" {
		t.Fatalf("metadata lost: %v", got.Metadata)
	}
}

func TestSQLiteStoreConflictAndExpiry(t *testing.T) {
	clock := newFakeClock()
	store := openTempSQLiteStore(t, clock)
	ctx := context.Background()

	s, _ := store.Create(ctx, "Grandpa", 1, 1)
	stale := s.Clone()
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, stale); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("stale save err = %v, want ErrConflict", err)
	}

	clock.Advance(time.Hour)
	if err := store.Save(ctx, s); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expired save err = %v, want ErrNotFound", err)
	}
	if _, ok, _ := store.Get(ctx, s.Key, false); ok {
		t.Fatal("expired session must be absent")
	}
}

func TestSQLiteStoreExtendAndCleanup(t *testing.T) {
	clock := newFakeClock()
	store := openTempSQLiteStore(t, clock)
	ctx := context.Background()

	keep, _ := store.Create(ctx, "Keep", 1, 1)
	drop, _ := store.Create(ctx, "Drop", 1, 1)

	clock.Advance(45 * time.Minute)
	if ok, err := store.ExtendTTL(ctx, keep.Key); err != nil || !ok {
		t.Fatalf("extend: ok=%v err=%v", ok, err)
	}
	clock.Advance(20 * time.Minute)

	removed, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok, _ := store.Get(ctx, drop.Key, false); ok {
		t.Fatal("dropped session still present")
	}
	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].Key != keep.Key {
		t.Fatalf("active = %v, want only %s", active, keep.Key)
	}
}

func TestSQLiteStoreDiscardsUnreadableRow(t *testing.T) {
	clock := newFakeClock()
	store := openTempSQLiteStore(t, clock)
	ctx := context.Background()

	s, _ := store.Create(ctx, "Corrupt", 1, 1)
	if _, err := store.sqlDB.Exec("UPDATE call_sessions SET payload = ? WHERE session_key = ?", []byte(`{"schemaVersion":7}`), s.Key); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	if _, ok, err := store.Get(ctx, s.Key, false); ok || err != nil {
		t.Fatalf("get: ok=%v err=%v, want absent without error", ok, err)
	}
	var count int
	if err := store.sqlDB.QueryRow("SELECT COUNT(*) FROM call_sessions").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("rows = %d, want 0", count)
	}
}

func TestSQLiteStoreNilSafe(t *testing.T) {
	var store *SQLiteStore
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
	if _, _, err := store.Get(context.Background(), "k", false); err == nil {
		t.Fatal("expected error from unconfigured store")
	}
}
