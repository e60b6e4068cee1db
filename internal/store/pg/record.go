package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gridsync/gridsync/internal/model"
	"github.com/gridsync/gridsync/internal/store"
)

func (s *Store) Record(ctx context.Context, tableID, rowID string) (store.Record, error) {
	var (
		rec  store.Record
		data []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT table_id, row_id, data, version, updated_at, deleted
		FROM sync_record
		WHERE table_id = $1 AND row_id = $2
	`, tableID, rowID).Scan(&rec.TableID, &rec.RowID, &data, &rec.Version, &rec.UpdatedAt, &rec.Deleted)
	if err == pgx.ErrNoRows {
		return store.Record{}, fmt.Errorf("%w: %s/%s", store.ErrNotFound, tableID, rowID)
	}
	if err != nil {
		return store.Record{}, err
	}
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return store.Record{}, fmt.Errorf("pg: decode record data: %w", err)
	}
	return rec, nil
}

// CompareAndWrite applies the change in a single guarded upsert: the
// UPDATE arm only fires while the stored version is not newer than the
// declared base, so a zero-row result is exactly a version conflict.
// The new state is read back for the authoritative version, mirroring
// the write-then-confirm pattern of the sync services this store
// replaces.
func (s *Store) CompareAndWrite(ctx context.Context, ch model.RowChange, baseVersion int64, at time.Time) (store.Record, error) {
	if !ch.Operation.IsValid() {
		return store.Record{}, fmt.Errorf("store: unknown operation %q", ch.Operation)
	}

	changes := ch.Changes
	if changes == nil {
		changes = model.Row{}
	}
	payload, err := json.Marshal(changes)
	if err != nil {
		return store.Record{}, fmt.Errorf("pg: encode changes: %w", err)
	}
	deleted := ch.Operation == model.OpDelete

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sync_record (table_id, row_id, data, version, updated_at, deleted)
		VALUES ($1, $2, $3::jsonb, GREATEST($4::bigint, 0) + 1, $5, $6)
		ON CONFLICT (table_id, row_id) DO UPDATE SET
			data       = CASE WHEN $6 THEN sync_record.data
			                  ELSE sync_record.data || EXCLUDED.data END,
			deleted    = $6,
			version    = GREATEST(sync_record.version, $4::bigint) + 1,
			updated_at = EXCLUDED.updated_at
		WHERE sync_record.version <= $4::bigint
	`, ch.TableID, ch.RowID, payload, baseVersion, at, deleted)
	if err != nil {
		return store.Record{}, err
	}
	if tag.RowsAffected() == 0 {
		return store.Record{}, fmt.Errorf("%w: %s/%s base=%d",
			store.ErrVersionConflict, ch.TableID, ch.RowID, baseVersion)
	}

	return s.Record(ctx, ch.TableID, ch.RowID)
}
