// Package session implements the client side of table reconciliation:
// a local mirror of one table, optimistic edits tracked by the ledger,
// remote change merging, conflict bookkeeping and the offline queue.
// One TableSession exists per open table, never process-wide.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridsync/gridsync/internal/ledger"
	"github.com/gridsync/gridsync/internal/model"
	"github.com/gridsync/gridsync/internal/resolve"
)

var (
	// ErrRowNotFound is returned for an update or delete of a row the
	// mirror does not hold. Inserts are unaffected.
	ErrRowNotFound = errors.New("session: row not found")

	// ErrTransport wraps a send that failed before the server processed
	// it. Local state has been rolled back and the edit is safe to
	// retry.
	ErrTransport = errors.New("session: transport send failed")

	// ErrUnknownConflict is returned when resolving a conflict id the
	// session does not hold.
	ErrUnknownConflict = errors.New("session: unknown conflict")

	// ErrValueRequired is returned for a custom resolution without a
	// value.
	ErrValueRequired = errors.New("session: custom resolution requires a value")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")
)

// Config tunes a table session.
type Config struct {
	// TableID names the table this session mirrors. Remote changes for
	// other tables are ignored.
	TableID string

	// Optimistic applies edits to the mirror before the server
	// acknowledges them.
	Optimistic bool

	// GraceWindow delays auto-resolution of a conflict so a manual
	// resolve can win the race.
	GraceWindow time.Duration

	// Ledger bounds and times out pending optimistic updates.
	Ledger ledger.Config
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		Optimistic:  true,
		GraceWindow: time.Second,
		Ledger:      ledger.DefaultConfig(),
	}
}

type cellKey struct {
	rowID  string
	column string
}

// rowOpUndo reverses a whole-row operation: inserts are removed again,
// deletes restore the snapshot.
type rowOpUndo struct {
	op   model.Operation
	prev model.Row
}

type trackedConflict struct {
	notice ConflictNotice
	timer  *time.Timer
}

// TableSession is the local mirror and edit coordinator for one table.
// All mutations run under one lock; each is a reaction to a single
// discrete event (local edit, remote change, ack, timeout) and never
// interleaves mid-update. The lock is never held across a transport
// call.
type TableSession struct {
	transport Transport
	registry  *resolve.Registry
	ledger    *ledger.Ledger
	events    *bus
	cfg       Config
	log       zerolog.Logger

	mu         sync.Mutex
	mirror     map[string]model.Row
	pending    map[string]*model.Edit
	byCell     map[cellKey]string
	rowOps     map[string]rowOpUndo
	conflicts  map[string]*trackedConflict
	queue      []QueuedChange
	version    int64
	lastSync   time.Time
	lastSyncID string
	online     bool
	closed     bool
}

// New builds a session over the given transport. The registry decides
// auto-resolution; pass resolve.NewRegistry() for the built-ins.
func New(transport Transport, registry *resolve.Registry, cfg Config, log zerolog.Logger) *TableSession {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultConfig().GraceWindow
	}
	s := &TableSession{
		transport: transport,
		registry:  registry,
		events:    newBus(),
		cfg:       cfg,
		log:       log.With().Str("table_id", cfg.TableID).Logger(),
		mirror:    make(map[string]model.Row),
		pending:   make(map[string]*model.Edit),
		byCell:    make(map[cellKey]string),
		rowOps:    make(map[string]rowOpUndo),
		conflicts: make(map[string]*trackedConflict),
		online:    true,
	}
	s.ledger = ledger.New(cfg.Ledger, s.log, s.onExpire)
	return s
}

// Subscribe registers an event handler and returns its cancel func.
func (s *TableSession) Subscribe(fn func(Event)) func() {
	return s.events.subscribe(fn)
}

// Seed loads the initial table snapshot into the mirror.
func (s *TableSession) Seed(rows map[string]model.Row, version int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, row := range rows {
		s.mirror[id] = row.Clone()
	}
	if version > s.version {
		s.version = version
	}
	if at.After(s.lastSync) {
		s.lastSync = at
		s.lastSyncID = ""
	}
}

// Row returns a copy of the mirrored row.
func (s *TableSession) Row(rowID string) (model.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.mirror[rowID]
	return row.Clone(), ok
}

// RowCount reports the number of mirrored rows.
func (s *TableSession) RowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mirror)
}

// Version is the session's current table version.
func (s *TableSession) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// LastSync is the timestamp of the newest canonical change seen.
func (s *TableSession) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// Online reports whether edits are submitted live or queued.
func (s *TableSession) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// PendingEdits returns the edits awaiting acknowledgement.
func (s *TableSession) PendingEdits() []model.Edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Edit, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, *e)
	}
	return out
}

// Conflicts returns the unresolved conflicts held by this session.
func (s *TableSession) Conflicts() []ConflictNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConflictNotice, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		out = append(out, c.notice)
	}
	return out
}

// QueuedCount reports edits waiting for the next batch upload.
func (s *TableSession) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops timers and rejects further mutations. Pending edits and
// conflicts are dropped without rollback.
func (s *TableSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, c := range s.conflicts {
		if c.timer != nil {
			c.timer.Stop()
		}
	}
	s.ledger.Close()
}

// onExpire is the ledger's ack-timeout callback. The update has
// already been rolled back inside the ledger; the mirror and pending
// bookkeeping are reverted here. True server state is reconciled on
// the next download.
func (s *TableSession) onExpire(u model.OptimisticUpdate) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e, ok := s.pending[u.ID]
	if !ok {
		s.mu.Unlock()
		return
	}
	// A conflict that arrived as the timer fired owns the edit now;
	// resolution, not the timeout, decides its fate.
	if _, conflicted := s.conflicts[u.ID]; conflicted {
		s.mu.Unlock()
		return
	}
	s.revertMirrorLocked(u.ID, e, u.Changes)
	s.dropPendingLocked(u.ID, e)
	s.mu.Unlock()

	s.log.Warn().
		Str("edit_id", u.ID).
		Str("row_id", e.RowID).
		Msg("edit ack timed out, rolled back")
	s.events.emit(Event{
		Type:    EventEditRejected,
		TableID: s.cfg.TableID,
		RowID:   e.RowID,
		EditID:  u.ID,
		Reason:  string(ledger.ReasonTimeout),
	})
}

// revertMirrorLocked undoes an optimistic mutation. Cell edits and row
// updates revert field by field; inserts and deletes use the row-op
// undo snapshot.
func (s *TableSession) revertMirrorLocked(editID string, e *model.Edit, cs model.ChangeSet) {
	if undo, ok := s.rowOps[editID]; ok {
		switch undo.op {
		case model.OpInsert:
			delete(s.mirror, e.RowID)
		case model.OpDelete:
			s.mirror[e.RowID] = undo.prev
		}
		delete(s.rowOps, editID)
		return
	}
	if row, ok := s.mirror[e.RowID]; ok {
		cs.Revert(row)
	}
}

func (s *TableSession) dropPendingLocked(editID string, e *model.Edit) {
	delete(s.pending, editID)
	key := cellKey{rowID: e.RowID, column: e.Column}
	if s.byCell[key] == editID {
		delete(s.byCell, key)
	}
	delete(s.rowOps, editID)
}
