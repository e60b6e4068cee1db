package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gridsync/gridsync/internal/ledger"
	"github.com/gridsync/gridsync/internal/model"
)

// ApplyRemoteChange merges a canonical change into the mirror. Changes
// for other tables are ignored. The table version never decreases:
// merging sets it to max(current, incoming).
func (s *TableSession) ApplyRemoteChange(change model.RowChange, at time.Time) {
	s.mu.Lock()
	if s.closed || (change.TableID != "" && change.TableID != s.cfg.TableID) {
		s.mu.Unlock()
		return
	}

	removed := false
	switch change.Operation {
	case model.OpDelete:
		delete(s.mirror, change.RowID)
		removed = true
	default:
		row, ok := s.mirror[change.RowID]
		if !ok {
			row = model.Row{}
			s.mirror[change.RowID] = row
		}
		for field, value := range change.Changes {
			row[field] = value
		}
	}

	if change.Version > s.version {
		s.version = change.Version
	}
	if at.After(s.lastSync) {
		// Changes from the live channel carry no feed id, so the id
		// half of the cursor resets; Reconnect restores it.
		s.lastSync = at
		s.lastSyncID = ""
	}
	s.mu.Unlock()

	typ := EventRowChanged
	if removed {
		typ = EventRowRemoved
	}
	s.events.emit(Event{Type: typ, TableID: s.cfg.TableID, RowID: change.RowID})
}

// HandleConflict stores a server conflict keyed by the edit id. The
// associated edit stays pending while the conflict exists. When the
// registry's default strategy auto-applies, resolution is scheduled
// after the grace window unless a manual ResolveConflict wins first.
func (s *TableSession) HandleConflict(n ConflictNotice) {
	s.mu.Lock()
	if s.closed || (n.TableID != "" && n.TableID != s.cfg.TableID) {
		s.mu.Unlock()
		return
	}
	tc := &trackedConflict{notice: n}
	s.conflicts[n.EditID] = tc

	// The edit stays pending until the conflict settles, so its ledger
	// entry is retired here: the ack timeout must not reject an edit
	// whose conflict is still open. The mirror keeps the optimistic
	// value until resolution writes the settled one.
	if _, err := s.ledger.Rollback(n.EditID, ledger.ReasonConflict); err != nil && !errors.Is(err, ledger.ErrUnknownUpdate) {
		s.log.Debug().Err(err).Str("edit_id", n.EditID).Msg("ledger retire on conflict")
	}

	def := s.registry.Default()
	if def.AutoApply {
		tc.timer = time.AfterFunc(s.cfg.GraceWindow, func() {
			s.autoResolve(n.EditID, def.ID)
		})
	}
	s.mu.Unlock()

	s.log.Info().
		Str("edit_id", n.EditID).
		Str("row_id", n.RowID).
		Str("column", n.Column).
		Bool("auto_apply", def.AutoApply).
		Msg("conflict received")
	s.events.emit(Event{
		Type:     EventConflictDetected,
		TableID:  s.cfg.TableID,
		RowID:    n.RowID,
		EditID:   n.EditID,
		Conflict: &n,
	})
}

// autoResolve runs the default strategy after the grace window. A
// strategy that declines (manual, or a merge over incompatible values)
// leaves the conflict for explicit resolution.
func (s *TableSession) autoResolve(editID, strategyID string) {
	s.mu.Lock()
	tc, ok := s.conflicts[editID]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	notice := tc.notice
	s.mu.Unlock()

	value, err := s.registry.Resolve(strategyID, notice.Conflict())
	if err != nil {
		s.log.Info().
			Err(err).
			Str("edit_id", editID).
			Str("strategy", strategyID).
			Msg("auto-resolution declined, conflict left for manual review")
		return
	}
	if err := s.resolveWith(context.Background(), editID, value); err != nil {
		s.log.Warn().Err(err).Str("edit_id", editID).Msg("auto-resolution not delivered")
	}
}

// ResolveConflict settles a held conflict. accept_local keeps this
// client's value, accept_remote takes the server's merged value, and
// custom applies the supplied one. On transport failure the conflict
// is retained so the caller can retry; it is never silently dropped.
func (s *TableSession) ResolveConflict(ctx context.Context, editID string, res Resolution, value any) (any, error) {
	s.mu.Lock()
	tc, ok := s.conflicts[editID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownConflict, editID)
	}
	// Manual resolution wins the race against the auto-resolve timer.
	if tc.timer != nil {
		tc.timer.Stop()
		tc.timer = nil
	}

	var resolved any
	switch res {
	case AcceptLocal:
		resolved = tc.notice.LocalValue
	case AcceptRemote:
		resolved = tc.notice.MergedValue
	case Custom:
		if value == nil {
			s.mu.Unlock()
			return nil, ErrValueRequired
		}
		resolved = value
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("session: unknown resolution %q", res)
	}
	s.mu.Unlock()

	if err := s.resolveWith(ctx, editID, resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

// resolveWith transmits the resolved value and, on success, clears the
// conflict and settles the mirror cell.
func (s *TableSession) resolveWith(ctx context.Context, editID string, value any) error {
	if err := s.transport.Resolve(ctx, editID, value); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	s.mu.Lock()
	tc, ok := s.conflicts[editID]
	if !ok {
		// Resolved concurrently by another path.
		s.mu.Unlock()
		return nil
	}
	if tc.timer != nil {
		tc.timer.Stop()
	}
	delete(s.conflicts, editID)

	notice := tc.notice
	if e, pending := s.pending[editID]; pending {
		// The edit's optimistic entry is retired without a mirror
		// revert; the resolved value becomes the cell's state.
		if _, err := s.ledger.Rollback(editID, ledger.ReasonConflict); err != nil && !errors.Is(err, ledger.ErrUnknownUpdate) {
			s.log.Debug().Err(err).Str("edit_id", editID).Msg("ledger rollback on resolve")
		}
		s.dropPendingLocked(editID, e)
	}
	if notice.Column != "" {
		row, ok := s.mirror[notice.RowID]
		if !ok {
			row = model.Row{}
			s.mirror[notice.RowID] = row
		}
		row[notice.Column] = value
	}
	s.mu.Unlock()

	s.events.emit(
		Event{Type: EventConflictResolved, TableID: s.cfg.TableID, RowID: notice.RowID, EditID: editID},
		Event{Type: EventRowChanged, TableID: s.cfg.TableID, RowID: notice.RowID},
	)
	return nil
}

// SetOffline queues subsequent edits locally until Reconnect.
func (s *TableSession) SetOffline() {
	s.mu.Lock()
	if !s.online {
		s.mu.Unlock()
		return
	}
	s.online = false
	s.mu.Unlock()
	s.events.emit(Event{Type: EventSyncState, TableID: s.cfg.TableID, Online: false})
}

// Reconnect downloads canonical changes since the last sync point,
// goes back online, then drains the offline queue as a batch upload.
// Outcomes from the drain flow through the usual ack and conflict
// paths. Edits made while offline exist only locally until this
// re-submission.
func (s *TableSession) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	cur := Cursor{Since: s.lastSync, After: s.lastSyncID}
	s.mu.Unlock()

	for {
		entries, next, err := s.transport.Download(ctx, cur)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		for _, e := range entries {
			s.ApplyRemoteChange(e.Change, e.Timestamp)
		}
		if len(entries) == 0 || !cur.advances(next) {
			break
		}
		cur = next
	}

	s.mu.Lock()
	// ApplyRemoteChange advanced lastSync entry by entry; the cursor's
	// id half is only known here.
	if !cur.Since.Before(s.lastSync) {
		s.lastSync = cur.Since
		s.lastSyncID = cur.After
	}
	s.online = true
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()
	s.events.emit(Event{Type: EventSyncState, TableID: s.cfg.TableID, Online: true})

	if len(queued) == 0 {
		return nil
	}
	outcomes, err := s.transport.Upload(ctx, queued)
	if err != nil {
		// Put the batch back so the next reconnect retries it.
		s.mu.Lock()
		s.queue = append(queued, s.queue...)
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	for _, o := range outcomes {
		if o.Conflict != nil {
			s.HandleConflict(*o.Conflict)
			continue
		}
		s.HandleEditAck(o.EditID, o.Applied, o.Err)
	}
	return nil
}
