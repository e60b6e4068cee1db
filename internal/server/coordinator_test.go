package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridsync/gridsync/internal/model"
	"github.com/gridsync/gridsync/internal/resolve"
	"github.com/gridsync/gridsync/internal/store"
	"github.com/gridsync/gridsync/internal/store/mem"
)

func newTestCoordinator() (*Coordinator, *mem.Store) {
	st := mem.New()
	c := New(st, resolve.NewDetector(), Config{PageSize: 10}, zerolog.Nop())
	return c, st
}

func seedRow(t *testing.T, c *Coordinator, tableID, rowID string, data model.Row) int64 {
	t.Helper()
	out, _ := c.applyOne(context.Background(), "seed-user", "seed-device", UploadChange{
		EditID:    "seed-" + tableID + "-" + rowID,
		TableID:   tableID,
		RowID:     rowID,
		Operation: model.OpInsert,
		Changes:   data,
	})
	if out.Status != OutcomeApplied {
		t.Fatalf("seed failed: %+v", out)
	}
	return out.Version
}

func TestUploadAppliesInOrder(t *testing.T) {
	c, st := newTestCoordinator()
	ctx := context.Background()

	resp := c.Upload(ctx, "u1", "d1", []UploadChange{
		{EditID: "e1", TableID: "t1", RowID: "r1", Operation: model.OpInsert, Changes: model.Row{"name": "ada"}},
		{EditID: "e2", TableID: "t1", RowID: "r1", Column: "name", OldValue: "ada", NewValue: "grace", BaseVersion: 1},
	})

	if len(resp.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(resp.Outcomes))
	}
	if len(resp.Applied) != 2 || len(resp.Conflicts) != 0 {
		t.Fatalf("applied=%v conflicts=%v", resp.Applied, resp.Conflicts)
	}

	rec, err := st.Record(ctx, "t1", "r1")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if rec.Data["name"] != "grace" || rec.Version != 2 {
		t.Errorf("record = %+v, want name=grace version=2", rec)
	}
}

// Two users edit different cells of the same row concurrently: both
// confirm, the version increments twice, and no conflict is recorded.
func TestConcurrentEditsToDifferentCells(t *testing.T) {
	c, st := newTestCoordinator()
	ctx := context.Background()
	seedRow(t, c, "t1", "r1", model.Row{"name": "ada", "email": "ada@old"})

	a := c.Upload(ctx, "u1", "dA", []UploadChange{
		{EditID: "ea", TableID: "t1", RowID: "r1", Column: "name", OldValue: "ada", NewValue: "grace", BaseVersion: 1},
	})
	b := c.Upload(ctx, "u2", "dB", []UploadChange{
		{EditID: "eb", TableID: "t1", RowID: "r1", Column: "email", OldValue: "ada@old", NewValue: "ada@new", BaseVersion: 1},
	})

	if a.Outcomes[0].Status != OutcomeApplied || b.Outcomes[0].Status != OutcomeApplied {
		t.Fatalf("outcomes: %+v / %+v, want both applied", a.Outcomes[0], b.Outcomes[0])
	}
	rec, _ := st.Record(ctx, "t1", "r1")
	if rec.Data["name"] != "grace" || rec.Data["email"] != "ada@new" {
		t.Errorf("final row = %v, want both changes", rec.Data)
	}
	if rec.Version != 3 {
		t.Errorf("version = %d, want 3 (incremented twice)", rec.Version)
	}
	if list, _ := c.ListConflicts(ctx, "u2"); list.Count != 0 {
		t.Errorf("unexpected conflicts: %+v", list.Conflicts)
	}
}

// Two users edit the same cell with differing base versions: the
// second upload conflicts, the conflict is listed, and last_write_wins
// applies the later-timestamped value and clears it.
func TestSameCellConflictLifecycle(t *testing.T) {
	c, st := newTestCoordinator()
	ctx := context.Background()
	seedRow(t, c, "t1", "r1", model.Row{"name": "ada"})

	first := c.Upload(ctx, "u1", "dA", []UploadChange{
		{EditID: "ea", TableID: "t1", RowID: "r1", Column: "name", OldValue: "ada", NewValue: "grace",
			BaseVersion: 1, ClientTimestamp: time.Now().Add(-time.Minute)},
	})
	if first.Outcomes[0].Status != OutcomeApplied {
		t.Fatalf("first edit not applied: %+v", first.Outcomes[0])
	}

	second := c.Upload(ctx, "u1", "dB", []UploadChange{
		{EditID: "eb", TableID: "t1", RowID: "r1", Column: "name", OldValue: "ada", NewValue: "lovelace",
			BaseVersion: 1, ClientTimestamp: time.Now()},
	})
	if second.Outcomes[0].Status != OutcomeConflict {
		t.Fatalf("second edit outcome = %+v, want conflict", second.Outcomes[0])
	}

	// The conflicting row is unmutated until explicitly resolved.
	rec, _ := st.Record(ctx, "t1", "r1")
	if rec.Data["name"] != "grace" {
		t.Errorf("conflicting upload mutated the row: %v", rec.Data)
	}

	list, err := c.ListConflicts(ctx, "u1")
	if err != nil || list.Count != 1 {
		t.Fatalf("ListConflicts = %+v, %v", list, err)
	}
	conflict := list.Conflicts[0]
	if conflict.ID != "eb" || conflict.LocalValue != "lovelace" || conflict.RemoteValue != "grace" {
		t.Fatalf("conflict = %+v", conflict)
	}

	// Local side is newer, so last_write_wins picks it.
	res, err := c.ResolveConflict(ctx, "u1", ResolveRequest{ConflictID: "eb", Strategy: StrategyLastWriteWins})
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if res.ResolvedValue != "lovelace" {
		t.Errorf("resolved = %v, want lovelace", res.ResolvedValue)
	}

	rec, _ = st.Record(ctx, "t1", "r1")
	if rec.Data["name"] != "lovelace" {
		t.Errorf("row after resolve = %v", rec.Data)
	}
	if list, _ := c.ListConflicts(ctx, "u1"); list.Count != 0 {
		t.Errorf("conflict not cleared: %+v", list.Conflicts)
	}
}

// A 5-change batch where one change conflicts: four applied outcomes,
// one conflict, and the outcome list length equals the input length.
func TestBatchIsPerRecordNotAtomic(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()
	for _, row := range []string{"r1", "r2", "r3", "r4", "r5"} {
		seedRow(t, c, "t1", row, model.Row{"v": "base"})
	}
	// Someone else advances r3 first.
	c.Upload(ctx, "u2", "dX", []UploadChange{
		{EditID: "pre", TableID: "t1", RowID: "r3", Column: "v", OldValue: "base", NewValue: "theirs", BaseVersion: 1},
	})

	changes := make([]UploadChange, 0, 5)
	for i, row := range []string{"r1", "r2", "r3", "r4", "r5"} {
		changes = append(changes, UploadChange{
			EditID: "e" + row, TableID: "t1", RowID: row,
			Column: "v", OldValue: "base", NewValue: "mine",
			BaseVersion: 1, ClientTimestamp: time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}
	resp := c.Upload(ctx, "u1", "d1", changes)

	if len(resp.Outcomes) != 5 {
		t.Fatalf("outcome list length = %d, want 5", len(resp.Outcomes))
	}
	if len(resp.Applied) != 4 || len(resp.Conflicts) != 1 {
		t.Fatalf("applied=%d conflicts=%d, want 4/1", len(resp.Applied), len(resp.Conflicts))
	}
	if resp.Conflicts[0].RowID != "r3" {
		t.Errorf("conflict on %s, want r3", resp.Conflicts[0].RowID)
	}
}

// Re-uploading an already-applied change creates no duplicate record
// and no spurious conflict.
func TestUploadIdempotency(t *testing.T) {
	c, st := newTestCoordinator()
	ctx := context.Background()
	seedRow(t, c, "t1", "r1", model.Row{"name": "ada"})

	ch := UploadChange{EditID: "e1", TableID: "t1", RowID: "r1", Column: "name",
		OldValue: "ada", NewValue: "grace", BaseVersion: 1}
	first := c.Upload(ctx, "u1", "d1", []UploadChange{ch})
	second := c.Upload(ctx, "u1", "d1", []UploadChange{ch})

	if first.Outcomes[0].Status != OutcomeApplied || second.Outcomes[0].Status != OutcomeApplied {
		t.Fatalf("outcomes: %+v / %+v", first.Outcomes[0], second.Outcomes[0])
	}
	rec, _ := st.Record(ctx, "t1", "r1")
	if rec.Version != 2 {
		t.Errorf("version = %d after re-upload, want 2", rec.Version)
	}
	page, _ := st.ChangesSince(ctx, time.Time{}, "", 100)
	ids := make(map[string]int)
	for _, e := range page {
		ids[e.ID]++
	}
	if ids["e1"] != 1 {
		t.Errorf("change e1 logged %d times, want 1", ids["e1"])
	}
}

func TestUploadMalformedChange(t *testing.T) {
	c, _ := newTestCoordinator()

	resp := c.Upload(context.Background(), "u1", "d1", []UploadChange{
		{EditID: "", TableID: "t1", RowID: "r1", Column: "v", NewValue: 1},
		{EditID: "ok", TableID: "t1", RowID: "r1", Operation: model.OpInsert, Changes: model.Row{"v": 1}},
	})
	if len(resp.Outcomes) != 2 {
		t.Fatalf("outcome list length = %d, want 2", len(resp.Outcomes))
	}
	if resp.Outcomes[0].Status != OutcomeError || resp.Outcomes[0].Error == "" {
		t.Errorf("malformed change outcome = %+v, want error", resp.Outcomes[0])
	}
	if resp.Outcomes[1].Status != OutcomeApplied {
		t.Errorf("valid change outcome = %+v, want applied", resp.Outcomes[1])
	}
}

func TestDownloadPagination(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	for _, row := range []string{"r1", "r2", "r3", "r4", "r5"} {
		c.Upload(ctx, "u1", "d1", []UploadChange{
			{EditID: "e" + row, TableID: "t1", RowID: row, Operation: model.OpInsert, Changes: model.Row{"v": 1}},
		})
		time.Sleep(time.Millisecond)
	}

	var got []store.ChangeEntry
	since, after := time.Time{}, ""
	for {
		page, err := c.Download(ctx, "u1", "d2", since, after, 2)
		if err != nil {
			t.Fatalf("Download failed: %v", err)
		}
		got = append(got, page.Changes...)
		if !page.HasMore {
			break
		}
		since, after = page.NextSince, page.NextID
	}

	if len(got) != 5 {
		t.Fatalf("downloaded %d changes, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Errorf("changes out of order at %d", i)
		}
	}
}

// Entries written in the same clock tick share a timestamp. A page
// break inside such a run must not lose the rest of the run: the
// cursor carries the last id alongside the timestamp.
func TestDownloadPaginationTimestampTies(t *testing.T) {
	c, st := newTestCoordinator()
	ctx := context.Background()
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		err := st.AppendChange(ctx, store.ChangeEntry{
			ID:     fmt.Sprintf("e%d", i),
			UserID: "u1",
			Change: model.RowChange{
				TableID: "t1", RowID: fmt.Sprintf("r%d", i),
				Operation: model.OpInsert, Changes: model.Row{"v": 1}, Version: 1,
			},
			Timestamp: ts,
		})
		if err != nil {
			t.Fatalf("AppendChange failed: %v", err)
		}
	}

	seen := make(map[string]int)
	since, after := time.Time{}, ""
	for pages := 0; ; pages++ {
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
		page, err := c.Download(ctx, "u1", "d2", since, after, 2)
		if err != nil {
			t.Fatalf("Download failed: %v", err)
		}
		for _, e := range page.Changes {
			seen[e.ID]++
		}
		if !page.HasMore {
			break
		}
		since, after = page.NextSince, page.NextID
	}

	if len(seen) != 5 {
		t.Fatalf("downloaded %d distinct changes, want 5: %v", len(seen), seen)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("change %s served %d times, want 1", id, n)
		}
	}
}

// Two racing uploads of the same edit id must apply once: one version
// bump, one change entry. The duplicate check runs under the record
// lock.
func TestConcurrentDuplicateUploadAppliesOnce(t *testing.T) {
	c, st := newTestCoordinator()
	ctx := context.Background()
	seedRow(t, c, "t1", "r1", model.Row{"name": "ada"})

	ch := UploadChange{EditID: "e1", TableID: "t1", RowID: "r1", Column: "name",
		OldValue: "ada", NewValue: "grace", BaseVersion: 1}

	var wg sync.WaitGroup
	outcomes := make([]UploadResponse, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = c.Upload(ctx, "u1", "d1", []UploadChange{ch})
		}(i)
	}
	wg.Wait()

	for i, resp := range outcomes {
		if resp.Outcomes[0].Status != OutcomeApplied {
			t.Fatalf("upload %d outcome = %+v, want applied", i, resp.Outcomes[0])
		}
	}
	rec, _ := st.Record(ctx, "t1", "r1")
	if rec.Version != 2 {
		t.Errorf("version = %d after racing re-upload, want 2", rec.Version)
	}
	page, _ := st.ChangesSince(ctx, time.Time{}, "", 100)
	count := 0
	for _, e := range page {
		if e.ID == "e1" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("change e1 logged %d times, want 1", count)
	}
}

// keep_both leaves both values retrievable: the winner canonical, the
// loser as a sibling record.
func TestKeepBothPreservesBothValues(t *testing.T) {
	c, st := newTestCoordinator()
	ctx := context.Background()
	seedRow(t, c, "t1", "r1", model.Row{"name": "base"})

	c.Upload(ctx, "u1", "dA", []UploadChange{
		{EditID: "ea", TableID: "t1", RowID: "r1", Column: "name", OldValue: "base", NewValue: "remote-side",
			BaseVersion: 1, ClientTimestamp: time.Now()},
	})
	resp := c.Upload(ctx, "u1", "dB", []UploadChange{
		{EditID: "eb", TableID: "t1", RowID: "r1", Column: "name", OldValue: "base", NewValue: "local-side",
			BaseVersion: 1, ClientTimestamp: time.Now().Add(-time.Hour)},
	})
	if resp.Outcomes[0].Status != OutcomeConflict {
		t.Fatalf("expected conflict, got %+v", resp.Outcomes[0])
	}

	res, err := c.ResolveConflict(ctx, "u1", ResolveRequest{ConflictID: "eb", Strategy: StrategyKeepBoth})
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	// Remote side is newer here, so it stays canonical.
	if res.ResolvedValue != "remote-side" {
		t.Errorf("resolved = %v, want remote-side", res.ResolvedValue)
	}

	rec, _ := st.Record(ctx, "t1", "r1")
	if rec.Data["name"] != "remote-side" {
		t.Errorf("canonical = %v, want remote-side", rec.Data["name"])
	}
	sibs, _ := st.Siblings(ctx, "t1", "r1", "name")
	if len(sibs) != 1 || sibs[0].Value != "local-side" {
		t.Fatalf("siblings = %+v, want the displaced local-side value", sibs)
	}
}

func TestResolveUserChoice(t *testing.T) {
	c, st := newTestCoordinator()
	ctx := context.Background()
	seedRow(t, c, "t1", "r1", model.Row{"name": "base"})

	c.Upload(ctx, "u1", "dA", []UploadChange{
		{EditID: "ea", TableID: "t1", RowID: "r1", Column: "name", OldValue: "base", NewValue: "x", BaseVersion: 1},
	})
	c.Upload(ctx, "u1", "dB", []UploadChange{
		{EditID: "eb", TableID: "t1", RowID: "r1", Column: "name", OldValue: "base", NewValue: "y", BaseVersion: 1},
	})

	if _, err := c.ResolveConflict(ctx, "u1", ResolveRequest{ConflictID: "eb", Strategy: StrategyUserChoice}); err == nil {
		t.Error("user_choice without a value succeeded")
	}

	res, err := c.ResolveConflict(ctx, "u1", ResolveRequest{ConflictID: "eb", Strategy: StrategyUserChoice, Value: "merged"})
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if res.ResolvedValue != "merged" {
		t.Errorf("resolved = %v, want merged", res.ResolvedValue)
	}
	rec, _ := st.Record(ctx, "t1", "r1")
	if rec.Data["name"] != "merged" {
		t.Errorf("canonical = %v, want merged", rec.Data["name"])
	}
}

func TestResolveUnknownStrategyAndForeignConflict(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()
	seedRow(t, c, "t1", "r1", model.Row{"name": "base"})
	c.Upload(ctx, "u1", "dA", []UploadChange{
		{EditID: "ea", TableID: "t1", RowID: "r1", Column: "name", OldValue: "base", NewValue: "x", BaseVersion: 1},
	})
	c.Upload(ctx, "u1", "dB", []UploadChange{
		{EditID: "eb", TableID: "t1", RowID: "r1", Column: "name", OldValue: "base", NewValue: "y", BaseVersion: 1},
	})

	if _, err := c.ResolveConflict(ctx, "u1", ResolveRequest{ConflictID: "eb", Strategy: "majority_vote"}); err == nil {
		t.Error("unknown strategy accepted")
	}
	// Another user cannot resolve someone else's conflict.
	if _, err := c.ResolveConflict(ctx, "u2", ResolveRequest{ConflictID: "eb", Strategy: StrategyLastWriteWins}); err == nil {
		t.Error("foreign conflict resolved")
	}
	// The conflict must survive both failed attempts.
	if list, _ := c.ListConflicts(ctx, "u1"); list.Count != 1 {
		t.Errorf("conflict count = %d, want 1", list.Count)
	}
}

func TestRetentionSweep(t *testing.T) {
	st := mem.New()
	c := New(st, resolve.NewDetector(), Config{RetentionDays: 7, MaxHistoryItems: 2}, zerolog.Nop())
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -10)
	st.AppendChange(ctx, store.ChangeEntry{
		ID: "ancient", Change: model.RowChange{TableID: "t1", Operation: model.OpUpdate}, Timestamp: old,
	})
	for _, row := range []string{"r1", "r2", "r3"} {
		c.Upload(ctx, "u1", "d1", []UploadChange{
			{EditID: "e" + row, TableID: "t1", RowID: row, Operation: model.OpInsert, Changes: model.Row{"v": 1}},
		})
		time.Sleep(time.Millisecond)
	}

	if err := c.RunRetention(ctx); err != nil {
		t.Fatalf("RunRetention failed: %v", err)
	}

	left, _ := st.ChangesSince(ctx, time.Time{}, "", 100)
	if len(left) != 2 {
		t.Fatalf("remaining changes = %d, want 2 (cap)", len(left))
	}
	for _, e := range left {
		if e.ID == "ancient" || e.ID == "er1" {
			t.Errorf("entry %s should have been evicted", e.ID)
		}
	}
}
