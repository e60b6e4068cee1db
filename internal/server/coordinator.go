package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridsync/gridsync/internal/model"
	"github.com/gridsync/gridsync/internal/resolve"
	"github.com/gridsync/gridsync/internal/store"
)

// Config tunes the coordinator.
type Config struct {
	// PageSize caps Download pages.
	PageSize int

	// RetentionDays bounds change-log age; entries older than this are
	// purged by the background sweep.
	RetentionDays int

	// MaxHistoryItems caps per-table change history, oldest evicted
	// first.
	MaxHistoryItems int

	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration
}

// DefaultConfig returns the stock coordinator tuning.
func DefaultConfig() Config {
	return Config{
		PageSize:        100,
		RetentionDays:   30,
		MaxHistoryItems: 10000,
		SweepInterval:   time.Hour,
	}
}

// Coordinator is the server sync coordinator.
type Coordinator struct {
	store    store.Store
	detector *resolve.Detector
	cfg      Config
	log      zerolog.Logger
	locks    *keyedMutex

	// notify, when set, receives every committed change entry so the
	// live channel can fan it out to connected sessions.
	notify func(store.ChangeEntry)
}

// New creates a coordinator over the given store.
func New(st store.Store, detector *resolve.Detector, cfg Config, log zerolog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.MaxHistoryItems <= 0 {
		cfg.MaxHistoryItems = def.MaxHistoryItems
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Coordinator{
		store:    st,
		detector: detector,
		cfg:      cfg,
		log:      log,
		locks:    newKeyedMutex(),
	}
}

// OnChange registers the committed-change hook. Must be called before
// the coordinator starts serving.
func (c *Coordinator) OnChange(fn func(store.ChangeEntry)) {
	c.notify = fn
}

// Upload applies a batch of offline changes in submission order. Each
// change succeeds or fails on its own; the outcome list length always
// equals the input length.
func (c *Coordinator) Upload(ctx context.Context, userID, deviceID string, changes []UploadChange) UploadResponse {
	resp := UploadResponse{
		Outcomes:  make([]ChangeOutcome, 0, len(changes)),
		Applied:   make([]string, 0, len(changes)),
		Conflicts: make([]model.Conflict, 0),
	}
	for _, ch := range changes {
		outcome, conflict := c.applyOne(ctx, userID, deviceID, ch)
		resp.Outcomes = append(resp.Outcomes, outcome)
		switch outcome.Status {
		case OutcomeApplied:
			resp.Applied = append(resp.Applied, outcome.EditID)
		case OutcomeConflict:
			resp.Conflicts = append(resp.Conflicts, conflict)
		}
	}
	c.log.Info().
		Str("user_id", userID).
		Str("device_id", deviceID).
		Int("changes", len(changes)).
		Int("applied", len(resp.Applied)).
		Int("conflicts", len(resp.Conflicts)).
		Msg("upload batch processed")
	return resp
}

// ApplyEdit applies a single live-channel edit, returning its outcome
// and, on version mismatch, the recorded conflict.
func (c *Coordinator) ApplyEdit(ctx context.Context, userID, deviceID string, e model.Edit) (ChangeOutcome, model.Conflict) {
	return c.applyOne(ctx, userID, deviceID, UploadChange{
		EditID:          e.EditID,
		TableID:         e.TableID,
		RowID:           e.RowID,
		Column:          e.Column,
		OldValue:        e.OldValue,
		NewValue:        e.NewValue,
		BaseVersion:     e.Version,
		ClientTimestamp: time.Now(),
	})
}

// ApplyRowOp applies a live-channel row operation.
func (c *Coordinator) ApplyRowOp(ctx context.Context, userID, deviceID, editID string, ch model.RowChange) (ChangeOutcome, model.Conflict) {
	return c.applyOne(ctx, userID, deviceID, UploadChange{
		EditID:          editID,
		TableID:         ch.TableID,
		RowID:           ch.RowID,
		Operation:       ch.Operation,
		Changes:         ch.Changes,
		BaseVersion:     ch.Version,
		ClientTimestamp: time.Now(),
	})
}

func (c *Coordinator) applyOne(ctx context.Context, userID, deviceID string, ch UploadChange) (ChangeOutcome, model.Conflict) {
	out := ChangeOutcome{EditID: ch.EditID}

	if ch.TableID == "" || ch.RowID == "" || ch.EditID == "" {
		out.Status = OutcomeError
		out.Error = "editId, table and rowId are required"
		return out, model.Conflict{}
	}
	if ch.Operation == "" {
		ch.Operation = model.OpUpdate
	}
	if !ch.Operation.IsValid() {
		out.Status = OutcomeError
		out.Error = "unknown operation " + string(ch.Operation)
		return out, model.Conflict{}
	}
	if ch.Changes == nil && ch.Operation != model.OpDelete {
		if ch.Column == "" {
			out.Status = OutcomeError
			out.Error = "change carries neither column nor changes"
			return out, model.Conflict{}
		}
		ch.Changes = model.Row{ch.Column: ch.NewValue}
	}

	unlock := c.locks.lock(ch.TableID + "\x00" + ch.RowID)
	defer unlock()

	// Re-uploading an already-applied change must create no duplicate
	// record and no spurious conflict. Checked under the record lock so
	// two concurrent uploads of one edit cannot both pass and apply
	// twice.
	if seen, err := c.store.HasChange(ctx, ch.EditID); err == nil && seen {
		out.Status = OutcomeApplied
		return out, model.Conflict{}
	} else if err != nil {
		out.Status = OutcomeError
		out.Error = err.Error()
		return out, model.Conflict{}
	}

	now := time.Now().UTC()
	change := model.RowChange{
		TableID:   ch.TableID,
		RowID:     ch.RowID,
		Operation: ch.Operation,
		Changes:   ch.Changes,
	}
	rec, err := c.store.CompareAndWrite(ctx, change, ch.BaseVersion, now)

	if errors.Is(err, store.ErrVersionConflict) {
		// A newer canonical version exists. That is only a real
		// conflict if it touched the same cell: when the cell still
		// holds the client's declared old value, the edit rebases onto
		// the current version (concurrent edits to different cells of
		// one row both land).
		rec, err = c.rebase(ctx, ch, change, now)
		if errors.Is(err, store.ErrVersionConflict) {
			conflict, cerr := c.recordConflict(ctx, userID, deviceID, ch)
			if cerr != nil {
				out.Status = OutcomeError
				out.Error = cerr.Error()
				return out, model.Conflict{}
			}
			out.Status = OutcomeConflict
			out.ConflictID = conflict.ID
			return out, conflict.Conflict
		}
	}
	if err != nil {
		out.Status = OutcomeError
		out.Error = err.Error()
		return out, model.Conflict{}
	}

	entry := store.ChangeEntry{
		ID:       ch.EditID,
		UserID:   userID,
		DeviceID: deviceID,
		Change: model.RowChange{
			TableID:   ch.TableID,
			RowID:     ch.RowID,
			Operation: ch.Operation,
			Changes:   ch.Changes,
			Version:   rec.Version,
		},
		Timestamp: now,
	}
	if err := c.store.AppendChange(ctx, entry); err != nil {
		out.Status = OutcomeError
		out.Error = err.Error()
		return out, model.Conflict{}
	}
	if c.notify != nil {
		c.notify(entry)
	}

	out.Status = OutcomeApplied
	out.Version = rec.Version
	return out, model.Conflict{}
}

// rebase retries a cell edit on top of the current canonical version
// when the newer version left the edited cell untouched. Returns
// ErrVersionConflict when the cell genuinely diverged (or for row ops,
// which have no per-cell base to compare).
func (c *Coordinator) rebase(ctx context.Context, ch UploadChange, change model.RowChange, now time.Time) (store.Record, error) {
	if ch.Column == "" {
		return store.Record{}, fmt.Errorf("%w: %s/%s base=%d",
			store.ErrVersionConflict, ch.TableID, ch.RowID, ch.BaseVersion)
	}
	rec, err := c.store.Record(ctx, ch.TableID, ch.RowID)
	if err != nil {
		return store.Record{}, err
	}
	if rec.Deleted || !reflect.DeepEqual(rec.Data[ch.Column], ch.OldValue) {
		return store.Record{}, fmt.Errorf("%w: %s/%s cell %q diverged",
			store.ErrVersionConflict, ch.TableID, ch.RowID, ch.Column)
	}
	return c.store.CompareAndWrite(ctx, change, rec.Version, now)
}

// recordConflict captures the losing change as an unresolved conflict.
// The conflicting record itself stays unmutated until resolution.
func (c *Coordinator) recordConflict(ctx context.Context, userID, deviceID string, ch UploadChange) (store.StoredConflict, error) {
	rec, err := c.store.Record(ctx, ch.TableID, ch.RowID)
	if err != nil {
		return store.StoredConflict{}, err
	}

	var remote any
	if ch.Column != "" {
		remote = rec.Data[ch.Column]
	} else {
		remote = rec.Data.Clone()
	}
	local := ch.NewValue
	if local == nil && ch.Changes != nil {
		local = ch.Changes.Clone()
	}

	conflict := store.StoredConflict{
		Conflict:        c.detector.Detect(ch.EditID, ch.TableID, ch.RowID, ch.Column, local, remote, ch.OldValue),
		UserID:          userID,
		DeviceID:        deviceID,
		BaseVersion:     ch.BaseVersion,
		LocalTimestamp:  ch.ClientTimestamp,
		RemoteTimestamp: rec.UpdatedAt,
	}
	conflict.Timestamp = time.Now().UTC()
	if err := c.store.PutConflict(ctx, conflict); err != nil {
		return store.StoredConflict{}, err
	}

	c.log.Debug().
		Str("conflict_id", conflict.ID).
		Str("table_id", ch.TableID).
		Str("row_id", ch.RowID).
		Int64("base_version", ch.BaseVersion).
		Int64("stored_version", rec.Version).
		Msg("version mismatch recorded as conflict")
	return conflict, nil
}

// Download returns canonical changes strictly after the (since,
// afterID) cursor in (timestamp, id) order, capped at the page size.
// Callers paginate with the returned NextSince and NextID; the
// composite cursor means entries sharing a timestamp across a page
// break are never skipped.
func (c *Coordinator) Download(ctx context.Context, userID, deviceID string, since time.Time, afterID string, limit int) (DownloadResponse, error) {
	if limit <= 0 || limit > c.cfg.PageSize {
		limit = c.cfg.PageSize
	}
	// Fetch one extra to learn whether more pages remain.
	entries, err := c.store.ChangesSince(ctx, since, afterID, limit+1)
	if err != nil {
		return DownloadResponse{}, err
	}
	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	next, nextID := since, afterID
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		next, nextID = last.Timestamp, last.ID
	}
	return DownloadResponse{Changes: entries, NextSince: next, NextID: nextID, HasMore: hasMore}, nil
}

// ListConflicts returns all unresolved conflicts across the user's
// devices, oldest first.
func (c *Coordinator) ListConflicts(ctx context.Context, userID string) (ConflictListResponse, error) {
	conflicts, err := c.store.ConflictsByUser(ctx, userID)
	if err != nil {
		return ConflictListResponse{}, err
	}
	return ConflictListResponse{Conflicts: conflicts, Count: len(conflicts)}, nil
}
