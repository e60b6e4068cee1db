// Package mem is the in-memory store driver. It backs tests and
// embedded single-process deployments; the Postgres driver in
// internal/store/pg is the production counterpart.
package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gridsync/gridsync/internal/model"
	"github.com/gridsync/gridsync/internal/store"
)

type recordKey struct {
	tableID string
	rowID   string
}

type siblingKey struct {
	tableID string
	rowID   string
	column  string
}

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu        sync.RWMutex
	records   map[recordKey]store.Record
	changes   []store.ChangeEntry
	changeIDs map[string]struct{}
	conflicts map[string]store.StoredConflict
	siblings  map[siblingKey][]store.Sibling
	sibSeq    int64
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records:   make(map[recordKey]store.Record),
		changeIDs: make(map[string]struct{}),
		conflicts: make(map[string]store.StoredConflict),
		siblings:  make(map[siblingKey][]store.Sibling),
	}
}

func (s *Store) Record(_ context.Context, tableID, rowID string) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{tableID, rowID}]
	if !ok {
		return store.Record{}, fmt.Errorf("%w: %s/%s", store.ErrNotFound, tableID, rowID)
	}
	rec.Data = rec.Data.Clone()
	return rec, nil
}

func (s *Store) CompareAndWrite(_ context.Context, ch model.RowChange, baseVersion int64, at time.Time) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{ch.TableID, ch.RowID}
	rec, exists := s.records[key]
	if exists && rec.Version > baseVersion {
		return store.Record{}, fmt.Errorf("%w: %s/%s stored=%d base=%d",
			store.ErrVersionConflict, ch.TableID, ch.RowID, rec.Version, baseVersion)
	}

	if !exists {
		rec = store.Record{TableID: ch.TableID, RowID: ch.RowID, Data: model.Row{}}
	}
	next := rec.Version
	if baseVersion > next {
		next = baseVersion
	}
	next++

	switch ch.Operation {
	case model.OpDelete:
		rec.Deleted = true
	case model.OpInsert, model.OpUpdate:
		rec.Deleted = false
		data := rec.Data.Clone()
		if data == nil {
			data = model.Row{}
		}
		for k, v := range ch.Changes {
			data[k] = v
		}
		rec.Data = data
	default:
		return store.Record{}, fmt.Errorf("store: unknown operation %q", ch.Operation)
	}

	rec.Version = next
	rec.UpdatedAt = at
	s.records[key] = rec
	rec.Data = rec.Data.Clone()
	return rec, nil
}

func (s *Store) AppendChange(_ context.Context, e store.ChangeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID != "" {
		// Same dedupe the SQL driver gets from ON CONFLICT DO NOTHING.
		if _, ok := s.changeIDs[e.ID]; ok {
			return nil
		}
		s.changeIDs[e.ID] = struct{}{}
	}
	s.changes = append(s.changes, e)
	return nil
}

func (s *Store) ChangesSince(_ context.Context, since time.Time, afterID string, limit int) ([]store.ChangeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.ChangeEntry, 0, limit)
	for _, e := range s.changes {
		if e.Timestamp.After(since) ||
			(afterID != "" && e.Timestamp.Equal(since) && e.ID > afterID) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) HasChange(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.changeIDs[id]
	return ok, nil
}

func (s *Store) PurgeChangesBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.changes[:0]
	removed := 0
	for _, e := range s.changes {
		if e.Timestamp.Before(cutoff) {
			removed++
			delete(s.changeIDs, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	s.changes = kept
	return removed, nil
}

func (s *Store) CapTableHistory(_ context.Context, tableID string, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.changes {
		if e.Change.TableID == tableID {
			count++
		}
	}
	excess := count - max
	if excess <= 0 {
		return 0, nil
	}
	// Oldest first within the slice; evict the first excess entries of
	// this table.
	kept := s.changes[:0]
	removed := 0
	for _, e := range s.changes {
		if removed < excess && e.Change.TableID == tableID {
			removed++
			delete(s.changeIDs, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	s.changes = kept
	return removed, nil
}

func (s *Store) Tables(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, e := range s.changes {
		if _, ok := seen[e.Change.TableID]; !ok {
			seen[e.Change.TableID] = struct{}{}
			out = append(out, e.Change.TableID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) PutConflict(_ context.Context, c store.StoredConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[c.ID] = c
	return nil
}

func (s *Store) Conflict(_ context.Context, id string) (store.StoredConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return store.StoredConflict{}, fmt.Errorf("%w: conflict %s", store.ErrNotFound, id)
	}
	return c, nil
}

func (s *Store) DeleteConflict(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conflicts[id]; !ok {
		return fmt.Errorf("%w: conflict %s", store.ErrNotFound, id)
	}
	delete(s.conflicts, id)
	return nil
}

func (s *Store) ConflictsByUser(_ context.Context, userID string) ([]store.StoredConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.StoredConflict, 0)
	for _, c := range s.conflicts {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) AddSibling(_ context.Context, sib store.Sibling) (store.Sibling, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sibSeq++
	sib.Seq = s.sibSeq
	key := siblingKey{sib.TableID, sib.RowID, sib.Column}
	s.siblings[key] = append(s.siblings[key], sib)
	return sib, nil
}

func (s *Store) Siblings(_ context.Context, tableID, rowID, column string) ([]store.Sibling, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	got := s.siblings[siblingKey{tableID, rowID, column}]
	out := make([]store.Sibling, len(got))
	copy(out, got)
	return out, nil
}

func (s *Store) Close() error { return nil }
