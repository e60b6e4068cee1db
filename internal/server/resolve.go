package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gridsync/gridsync/internal/model"
	"github.com/gridsync/gridsync/internal/resolve"
	"github.com/gridsync/gridsync/internal/store"
)

// ErrValueRequired is returned for user_choice resolutions without a
// value.
var ErrValueRequired = errors.New("server: user_choice resolution requires a value")

// ResolveConflict applies a resolution strategy to a stored conflict.
// On success the conflict is deleted and a new change event is
// appended for other devices to pick up on their next Download. With
// keep_both the displaced value is persisted as a sibling record so no
// data is dropped.
func (c *Coordinator) ResolveConflict(ctx context.Context, userID string, req ResolveRequest) (ResolveResponse, error) {
	if !req.Strategy.IsValid() {
		return ResolveResponse{}, fmt.Errorf("%w: %s", resolve.ErrUnknownStrategy, req.Strategy)
	}

	conflict, err := c.store.Conflict(ctx, req.ConflictID)
	if err != nil {
		return ResolveResponse{}, err
	}
	// Conflicts are visible only to their owner.
	if conflict.UserID != userID {
		return ResolveResponse{}, fmt.Errorf("%w: conflict %s", store.ErrNotFound, req.ConflictID)
	}

	var resolved, displaced any
	switch req.Strategy {
	case StrategyLastWriteWins:
		if conflict.LocalTimestamp.After(conflict.RemoteTimestamp) {
			resolved = conflict.LocalValue
		} else {
			resolved = conflict.RemoteValue
		}
	case StrategyKeepBoth:
		// The newer side stays canonical; the other survives as a
		// sibling record.
		if conflict.LocalTimestamp.After(conflict.RemoteTimestamp) {
			resolved, displaced = conflict.LocalValue, conflict.RemoteValue
		} else {
			resolved, displaced = conflict.RemoteValue, conflict.LocalValue
		}
	case StrategyUserChoice:
		if req.Value == nil {
			return ResolveResponse{}, ErrValueRequired
		}
		resolved = req.Value
	}

	unlock := c.locks.lock(conflict.TableID + "\x00" + conflict.RowID)
	defer unlock()

	now := time.Now().UTC()
	baseVersion := int64(0)
	if rec, err := c.store.Record(ctx, conflict.TableID, conflict.RowID); err == nil {
		baseVersion = rec.Version
	} else if !errors.Is(err, store.ErrNotFound) {
		return ResolveResponse{}, err
	}

	change := model.RowChange{
		TableID:   conflict.TableID,
		RowID:     conflict.RowID,
		Operation: model.OpUpdate,
		Changes:   model.Row{conflict.Column: resolved},
	}
	rec, err := c.store.CompareAndWrite(ctx, change, baseVersion, now)
	if err != nil {
		return ResolveResponse{}, err
	}

	if req.Strategy == StrategyKeepBoth {
		if _, err := c.store.AddSibling(ctx, store.Sibling{
			TableID:    conflict.TableID,
			RowID:      conflict.RowID,
			Column:     conflict.Column,
			Value:      displaced,
			ConflictID: conflict.ID,
			CreatedAt:  now,
		}); err != nil {
			return ResolveResponse{}, err
		}
	}

	if err := c.store.DeleteConflict(ctx, conflict.ID); err != nil {
		return ResolveResponse{}, err
	}

	entry := store.ChangeEntry{
		ID:       uuid.New().String(),
		UserID:   userID,
		DeviceID: conflict.DeviceID,
		Change: model.RowChange{
			TableID:   conflict.TableID,
			RowID:     conflict.RowID,
			Operation: model.OpUpdate,
			Changes:   change.Changes,
			Version:   rec.Version,
		},
		Timestamp: now,
	}
	if err := c.store.AppendChange(ctx, entry); err != nil {
		return ResolveResponse{}, err
	}
	if c.notify != nil {
		c.notify(entry)
	}

	c.log.Info().
		Str("conflict_id", conflict.ID).
		Str("strategy", string(req.Strategy)).
		Str("table_id", conflict.TableID).
		Str("row_id", conflict.RowID).
		Msg("conflict resolved")

	return ResolveResponse{ResolvedValue: resolved, Success: true}, nil
}
