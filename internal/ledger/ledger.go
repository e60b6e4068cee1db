// Package ledger tracks optimistic updates: changes applied to the
// local mirror before the server confirms them. Every update carries a
// reversible changeset so a rollback restores exactly the pre-update
// field values. Each pending update owns a cancellable timer that
// auto-rolls it back if no acknowledgment arrives in time.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridsync/gridsync/internal/model"
)

// Reason explains why an update was rolled back.
type Reason string

const (
	ReasonError    Reason = "error"
	ReasonConflict Reason = "conflict"
	ReasonTimeout  Reason = "timeout"
)

// ErrUnknownUpdate is returned when an update id is not tracked.
var ErrUnknownUpdate = errors.New("ledger: unknown update")

// Config tunes ledger behavior.
type Config struct {
	// MaxPending bounds the number of concurrently pending updates.
	// Once exceeded, Apply declines the update (the edit is still
	// submitted, just not shown optimistically).
	MaxPending int

	// AckTimeout is how long a pending update waits for confirmation
	// before auto-rollback.
	AckTimeout time.Duration

	// ConfirmTTL keeps a confirmed update visible briefly for UI
	// feedback before it is purged.
	ConfirmTTL time.Duration

	// RetainRejected keeps rolled-back updates (marked rejected) for
	// diagnostics instead of deleting them.
	RetainRejected bool
}

// DefaultConfig returns the stock ledger tuning.
func DefaultConfig() Config {
	return Config{
		MaxPending: 100,
		AckTimeout: 10 * time.Second,
		ConfirmTTL: time.Second,
	}
}

type cellKey struct {
	tableID string
	rowID   string
	column  string
}

type entry struct {
	update  model.OptimisticUpdate
	cell    cellKey
	hasCell bool
	timer   *time.Timer
	purge   *time.Timer
}

// Ledger is the optimistic-update bookkeeping structure. Safe for
// concurrent use; timer callbacks run on their own goroutines.
type Ledger struct {
	mu      sync.Mutex
	cfg     Config
	log     zerolog.Logger
	entries map[string]*entry
	byCell  map[cellKey]string
	pending int

	// onExpire is invoked (without the ledger lock) when a pending
	// update times out, handing the changeset back for mirror revert.
	onExpire func(u model.OptimisticUpdate)

	closed bool
}

// New creates a ledger. onExpire may be nil.
func New(cfg Config, log zerolog.Logger, onExpire func(u model.OptimisticUpdate)) *Ledger {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	if cfg.ConfirmTTL <= 0 {
		cfg.ConfirmTTL = DefaultConfig().ConfirmTTL
	}
	return &Ledger{
		cfg:      cfg,
		log:      log,
		entries:  make(map[string]*entry),
		byCell:   make(map[cellKey]string),
		onExpire: onExpire,
	}
}

// Apply registers a pending update and arms its rollback timer.
// Returns false when the ledger is at capacity: the caller should
// still submit the edit, just without optimistic display.
//
// A later cell edit to the same (table, row, column) supersedes the
// in-flight one: the old entry is dropped and the new changeset
// inherits its before-image, so rolling the new update back restores
// the last confirmed value rather than an intermediate optimistic one.
func (l *Ledger) Apply(u model.OptimisticUpdate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}

	key := cellKey{tableID: u.TableID, rowID: u.RowID}
	hasCell := false
	if u.Kind == model.KindCellEdit && len(u.Changes.Fields) == 1 {
		key.column = u.Changes.Fields[0]
		hasCell = true
		if prevID, ok := l.byCell[key]; ok {
			if prev := l.entries[prevID]; prev != nil && prev.update.Status == model.UpdatePending {
				u.Changes.Before[key.column] = prev.update.Changes.Before[key.column]
				l.dropLocked(prev)
				l.log.Debug().
					Str("update_id", u.ID).
					Str("superseded", prevID).
					Msg("optimistic update superseded in-flight edit")
			}
		}
	}

	if l.pending >= l.cfg.MaxPending {
		l.log.Warn().
			Str("update_id", u.ID).
			Int("max_pending", l.cfg.MaxPending).
			Msg("optimistic ledger full, edit submitted without optimistic display")
		return false
	}

	u.Status = model.UpdatePending
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	e := &entry{update: u, cell: key, hasCell: hasCell}
	e.timer = time.AfterFunc(l.cfg.AckTimeout, func() { l.expire(u.ID) })
	l.entries[u.ID] = e
	if hasCell {
		l.byCell[key] = u.ID
	}
	l.pending++
	return true
}

// Confirm cancels the rollback timer and marks the update confirmed.
// The entry lingers for ConfirmTTL so the UI can show feedback, then
// is purged.
func (l *Ledger) Confirm(id string) (model.OptimisticUpdate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok || e.update.Status != model.UpdatePending {
		return model.OptimisticUpdate{}, fmt.Errorf("%w: %s", ErrUnknownUpdate, id)
	}
	e.timer.Stop()
	e.update.Status = model.UpdateConfirmed
	l.pending--
	if e.hasCell {
		delete(l.byCell, e.cell)
	}
	e.purge = time.AfterFunc(l.cfg.ConfirmTTL, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.entries[id]; ok && cur.update.Status == model.UpdateConfirmed {
			delete(l.entries, id)
		}
	})
	return e.update, nil
}

// Rollback cancels the timer and unwinds the update, returning its
// changeset so the caller can revert the mirror. With RetainRejected
// the entry stays behind marked rejected for diagnostics.
func (l *Ledger) Rollback(id string, reason Reason) (model.ChangeSet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok || e.update.Status != model.UpdatePending {
		return model.ChangeSet{}, fmt.Errorf("%w: %s", ErrUnknownUpdate, id)
	}
	cs := e.update.Changes
	l.rollbackLocked(e, reason)
	return cs, nil
}

func (l *Ledger) rollbackLocked(e *entry, reason Reason) {
	e.timer.Stop()
	l.pending--
	if e.hasCell {
		delete(l.byCell, e.cell)
	}
	if l.cfg.RetainRejected {
		e.update.Status = model.UpdateRejected
	} else {
		delete(l.entries, e.update.ID)
	}
	l.log.Debug().
		Str("update_id", e.update.ID).
		Str("reason", string(reason)).
		Msg("optimistic update rolled back")
}

// dropLocked removes a superseded pending entry without marking it
// rejected.
func (l *Ledger) dropLocked(e *entry) {
	e.timer.Stop()
	l.pending--
	if e.hasCell {
		delete(l.byCell, e.cell)
	}
	delete(l.entries, e.update.ID)
}

func (l *Ledger) expire(id string) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok || e.update.Status != model.UpdatePending || l.closed {
		l.mu.Unlock()
		return
	}
	u := e.update
	l.rollbackLocked(e, ReasonTimeout)
	cb := l.onExpire
	l.mu.Unlock()

	l.log.Warn().
		Str("update_id", id).
		Dur("timeout", l.cfg.AckTimeout).
		Msg("optimistic update timed out waiting for ack")
	if cb != nil {
		cb(u)
	}
}

// Get returns a tracked update by id.
func (l *Ledger) Get(id string) (model.OptimisticUpdate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return model.OptimisticUpdate{}, false
	}
	return e.update, true
}

// PendingCount returns the number of pending updates.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Close stops all timers. Further Applies are declined.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for _, e := range l.entries {
		e.timer.Stop()
		if e.purge != nil {
			e.purge.Stop()
		}
	}
}
