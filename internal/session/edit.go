package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gridsync/gridsync/internal/ledger"
	"github.com/gridsync/gridsync/internal/model"
)

// EditCell mutates one cell, deriving the old value from the mirror.
// Fails with ErrRowNotFound when the mirror does not hold the row; use
// EditCellFrom to supply the old value yourself in that case.
func (s *TableSession) EditCell(ctx context.Context, rowID, column string, newValue any) (string, error) {
	s.mu.Lock()
	row, ok := s.mirror[rowID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
	}
	return s.editCell(ctx, rowID, column, row[column], newValue)
}

// EditCellFrom mutates one cell with an explicitly supplied old value,
// allowing edits to rows the mirror has not seen yet.
func (s *TableSession) EditCellFrom(ctx context.Context, rowID, column string, oldValue, newValue any) (string, error) {
	s.mu.Lock()
	return s.editCell(ctx, rowID, column, oldValue, newValue)
}

// editCell is entered holding the lock and releases it before any
// transport call.
func (s *TableSession) editCell(ctx context.Context, rowID, column string, oldValue, newValue any) (string, error) {
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}

	// A later edit to the same cell supersedes the in-flight one; the
	// two never coexist as pending.
	key := cellKey{rowID: rowID, column: column}
	if prevID, ok := s.byCell[key]; ok {
		if prev := s.pending[prevID]; prev != nil {
			delete(s.pending, prevID)
			s.log.Debug().Str("edit_id", prevID).Msg("edit superseded by newer edit to same cell")
		}
	}

	now := time.Now()
	edit := &model.Edit{
		EditID:   uuid.New().String(),
		TableID:  s.cfg.TableID,
		RowID:    rowID,
		Column:   column,
		OldValue: oldValue,
		NewValue: newValue,
		Version:  s.version,
		Status:   model.EditPending,
	}

	if s.cfg.Optimistic {
		cs, _ := model.NewChangeSet(model.Row{column: newValue}, model.Row{column: oldValue})
		applied := s.ledger.Apply(model.OptimisticUpdate{
			ID:        edit.EditID,
			Kind:      model.KindCellEdit,
			TableID:   s.cfg.TableID,
			RowID:     rowID,
			Changes:   cs,
			Timestamp: now,
			Status:    model.UpdatePending,
		})
		if applied {
			row, ok := s.mirror[rowID]
			if !ok {
				row = model.Row{}
				s.mirror[rowID] = row
			}
			cs.Apply(row)
		} else {
			s.log.Warn().
				Str("edit_id", edit.EditID).
				Str("row_id", rowID).
				Msg("pending update cap reached, edit submitted without optimistic apply")
		}
	}

	s.pending[edit.EditID] = edit
	s.byCell[key] = edit.EditID

	if !s.online {
		s.queue = append(s.queue, QueuedChange{
			EditID:          edit.EditID,
			RowID:           rowID,
			Column:          column,
			OldValue:        oldValue,
			NewValue:        newValue,
			Operation:       model.OpUpdate,
			BaseVersion:     s.version,
			ClientTimestamp: now,
		})
		s.mu.Unlock()
		s.events.emit(s.pendingEvent(edit.EditID, rowID))
		return edit.EditID, nil
	}
	s.mu.Unlock()
	s.events.emit(s.pendingEvent(edit.EditID, rowID))

	if err := s.transport.Submit(ctx, *edit); err != nil {
		s.failSubmit(edit.EditID, rowID)
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return edit.EditID, nil
}

// InsertRow adds a row locally and submits it. An empty rowID gets a
// generated one; the returned ids are (editID, rowID).
func (s *TableSession) InsertRow(ctx context.Context, rowID string, row model.Row) (string, string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", "", ErrClosed
	}
	if rowID == "" {
		rowID = uuid.New().String()
	}
	editID, err := s.rowOp(ctx, rowID, model.OpInsert, row.Clone())
	return editID, rowID, err
}

// UpdateRow applies a multi-field change to an existing row.
func (s *TableSession) UpdateRow(ctx context.Context, rowID string, changes model.Row) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if _, ok := s.mirror[rowID]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
	}
	return s.rowOp(ctx, rowID, model.OpUpdate, changes.Clone())
}

// DeleteRow removes a row from the mirror immediately; it is restored
// if the deletion is later rejected.
func (s *TableSession) DeleteRow(ctx context.Context, rowID string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if _, ok := s.mirror[rowID]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
	}
	return s.rowOp(ctx, rowID, model.OpDelete, nil)
}

// rowOp is entered holding the lock and releases it before any
// transport call.
func (s *TableSession) rowOp(ctx context.Context, rowID string, op model.Operation, changes model.Row) (string, error) {
	now := time.Now()
	edit := &model.Edit{
		EditID:  uuid.New().String(),
		TableID: s.cfg.TableID,
		RowID:   rowID,
		Version: s.version,
		Status:  model.EditPending,
	}

	var cs model.ChangeSet
	if prev, ok := s.mirror[rowID]; ok && op == model.OpUpdate {
		original := make(model.Row, len(changes))
		for field := range changes {
			original[field] = prev[field]
		}
		cs, _ = model.NewChangeSet(changes, original)
	}
	update := model.OptimisticUpdate{
		ID:        edit.EditID,
		Kind:      model.KindRowOp,
		TableID:   s.cfg.TableID,
		RowID:     rowID,
		Changes:   cs,
		Timestamp: now,
		Status:    model.UpdatePending,
	}

	switch op {
	case model.OpInsert:
		if s.cfg.Optimistic && s.ledger.Apply(update) {
			s.mirror[rowID] = changes.Clone()
			s.rowOps[edit.EditID] = rowOpUndo{op: op}
		}
	case model.OpUpdate:
		if s.cfg.Optimistic && s.ledger.Apply(update) {
			cs.Apply(s.mirror[rowID])
		}
	case model.OpDelete:
		// Removal is immediate regardless of the optimistic setting.
		s.rowOps[edit.EditID] = rowOpUndo{op: op, prev: s.mirror[rowID]}
		delete(s.mirror, rowID)
		if s.cfg.Optimistic {
			s.ledger.Apply(update)
		}
	}

	s.pending[edit.EditID] = edit
	change := model.RowChange{
		TableID:   s.cfg.TableID,
		RowID:     rowID,
		Operation: op,
		Changes:   changes,
		Version:   s.version,
	}

	if !s.online {
		s.queue = append(s.queue, QueuedChange{
			EditID:          edit.EditID,
			RowID:           rowID,
			Operation:       op,
			Changes:         changes,
			BaseVersion:     s.version,
			ClientTimestamp: now,
		})
		s.mu.Unlock()
		s.events.emit(s.pendingEvent(edit.EditID, rowID))
		return edit.EditID, nil
	}
	s.mu.Unlock()
	s.events.emit(s.pendingEvent(edit.EditID, rowID))

	if err := s.transport.SubmitRowOp(ctx, edit.EditID, change); err != nil {
		s.failSubmit(edit.EditID, rowID)
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return edit.EditID, nil
}

// failSubmit rolls back an edit whose send failed before the server
// saw it.
func (s *TableSession) failSubmit(editID, rowID string) {
	s.mu.Lock()
	if e, ok := s.pending[editID]; ok {
		s.rollbackLocked(editID, e, ledger.ReasonError)
	}
	s.mu.Unlock()
	s.events.emit(Event{
		Type:    EventEditRejected,
		TableID: s.cfg.TableID,
		RowID:   rowID,
		EditID:  editID,
		Reason:  "transport",
	})
}

// HandleEditAck settles a pending edit: success confirms the
// optimistic update and advances the version; failure rolls back and
// drops the pending entry. Acks for unknown (superseded or cancelled)
// edits are ignored.
func (s *TableSession) HandleEditAck(editID string, success bool, errMsg string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e, ok := s.pending[editID]
	if !ok {
		s.mu.Unlock()
		return
	}

	if success {
		if _, err := s.ledger.Confirm(editID); err != nil && !errors.Is(err, ledger.ErrUnknownUpdate) {
			s.log.Debug().Err(err).Str("edit_id", editID).Msg("confirm after ack")
		}
		e.Status = model.EditConfirmed
		s.version++
		s.dropPendingLocked(editID, e)
		s.mu.Unlock()
		s.events.emit(Event{
			Type:    EventEditConfirmed,
			TableID: s.cfg.TableID,
			RowID:   e.RowID,
			EditID:  editID,
		})
		return
	}

	s.rollbackLocked(editID, e, ledger.ReasonError)
	s.mu.Unlock()
	s.log.Warn().
		Str("edit_id", editID).
		Str("row_id", e.RowID).
		Str("error", errMsg).
		Msg("edit rejected by server")
	s.events.emit(Event{
		Type:    EventEditRejected,
		TableID: s.cfg.TableID,
		RowID:   e.RowID,
		EditID:  editID,
		Reason:  errMsg,
	})
}

// CancelEdit rolls an in-flight edit back immediately and sends a
// best-effort cancellation notice. If the server already committed the
// edit, the next remote change re-applies it.
func (s *TableSession) CancelEdit(ctx context.Context, editID string) error {
	s.mu.Lock()
	e, ok := s.pending[editID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ledger.ErrUnknownUpdate, editID)
	}
	s.rollbackLocked(editID, e, ledger.ReasonError)
	s.mu.Unlock()
	s.events.emit(Event{
		Type:    EventEditRejected,
		TableID: s.cfg.TableID,
		RowID:   e.RowID,
		EditID:  editID,
		Reason:  "cancelled",
	})

	if err := s.transport.CancelEdit(ctx, editID); err != nil {
		s.log.Debug().Err(err).Str("edit_id", editID).Msg("cancellation notice not delivered")
	}
	return nil
}

// rollbackLocked clears the ledger entry, reverts the mirror and drops
// the pending edit.
func (s *TableSession) rollbackLocked(editID string, e *model.Edit, reason ledger.Reason) {
	cs, err := s.ledger.Rollback(editID, reason)
	if err != nil {
		// Not in the ledger (capacity-declined or already expired);
		// the row-op undo snapshot, if any, still applies.
		cs = model.ChangeSet{}
	}
	s.revertMirrorLocked(editID, e, cs)
	s.dropPendingLocked(editID, e)
}

func (s *TableSession) pendingEvent(editID, rowID string) Event {
	return Event{
		Type:    EventEditPending,
		TableID: s.cfg.TableID,
		RowID:   rowID,
		EditID:  editID,
	}
}
