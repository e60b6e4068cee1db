package pg

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/gridsync/gridsync/internal/model"
	"github.com/gridsync/gridsync/internal/store"
)

// Integration tests run against a real Postgres and are skipped unless
// TEST_DATABASE_URL is set.
func getTestStore(t *testing.T) *Store {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	s, err := Open(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	ctx := context.Background()
	for _, table := range []string{"sync_record", "sync_change", "sync_conflict", "sync_sibling"} {
		if _, err := s.pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("failed to clean %s: %v", table, err)
		}
	}
	return s
}

func TestCompareAndWrite_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := getTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	rec, err := s.CompareAndWrite(ctx, model.RowChange{
		TableID:   "t1",
		RowID:     "r1",
		Operation: model.OpInsert,
		Changes:   model.Row{"name": "ada"},
	}, 0, now)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("version = %d, want 1", rec.Version)
	}

	rec, err = s.CompareAndWrite(ctx, model.RowChange{
		TableID:   "t1",
		RowID:     "r1",
		Operation: model.OpUpdate,
		Changes:   model.Row{"email": "ada@example.com"},
	}, 1, now)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if rec.Version != 2 || rec.Data["name"] != "ada" || rec.Data["email"] != "ada@example.com" {
		t.Errorf("merged record = %+v", rec)
	}

	// Stale base must not apply.
	_, err = s.CompareAndWrite(ctx, model.RowChange{
		TableID:   "t1",
		RowID:     "r1",
		Operation: model.OpUpdate,
		Changes:   model.Row{"name": "eve"},
	}, 1, now)
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("stale write error = %v, want ErrVersionConflict", err)
	}
}

func TestChangeLog_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := getTestStore(t)
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"c1", "c2", "c3"} {
		err := s.AppendChange(ctx, store.ChangeEntry{
			ID:       id,
			UserID:   "u1",
			DeviceID: "d1",
			Change: model.RowChange{
				TableID: "t1", RowID: "r1", Operation: model.OpUpdate,
				Changes: model.Row{"n": float64(i)}, Version: int64(i + 1),
			},
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendChange(%s) failed: %v", id, err)
		}
	}

	// Duplicate append is a no-op.
	if err := s.AppendChange(ctx, store.ChangeEntry{
		ID:     "c1",
		Change: model.RowChange{TableID: "t1", Operation: model.OpUpdate},
	}); err != nil {
		t.Fatalf("duplicate AppendChange failed: %v", err)
	}

	page, err := s.ChangesSince(ctx, base, "", 10)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != "c2" {
		t.Fatalf("page = %+v, want [c2 c3]", page)
	}

	ok, err := s.HasChange(ctx, "c1")
	if err != nil || !ok {
		t.Errorf("HasChange(c1) = %v, %v", ok, err)
	}
}

func TestConflictRoundTrip_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := getTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	in := store.StoredConflict{
		Conflict: model.Conflict{
			ID: "cf1", TableID: "t1", RowID: "r1", Column: "name",
			LocalValue: "mine", RemoteValue: "theirs", BaseValue: "orig",
			Timestamp: now, Type: model.ConflictValue,
		},
		UserID:          "u1",
		DeviceID:        "d1",
		BaseVersion:     3,
		LocalTimestamp:  now.Add(-time.Minute),
		RemoteTimestamp: now,
	}
	if err := s.PutConflict(ctx, in); err != nil {
		t.Fatalf("PutConflict failed: %v", err)
	}

	got, err := s.Conflict(ctx, "cf1")
	if err != nil {
		t.Fatalf("Conflict failed: %v", err)
	}
	if got.LocalValue != "mine" || got.RemoteValue != "theirs" || got.Type != model.ConflictValue {
		t.Errorf("round trip mismatch: %+v", got)
	}

	list, err := s.ConflictsByUser(ctx, "u1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ConflictsByUser = %v, %v", list, err)
	}

	if err := s.DeleteConflict(ctx, "cf1"); err != nil {
		t.Fatalf("DeleteConflict failed: %v", err)
	}
	if _, err := s.Conflict(ctx, "cf1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("after delete, error = %v, want ErrNotFound", err)
	}
}
