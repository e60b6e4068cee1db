package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gridsync/gridsync/internal/model"
	"github.com/gridsync/gridsync/internal/store"
)

func (s *Store) AppendChange(ctx context.Context, e store.ChangeEntry) error {
	changes, err := json.Marshal(e.Change.Changes)
	if err != nil {
		return fmt.Errorf("pg: encode change payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_change (id, user_id, device_id, table_id, row_id, operation, changes, version, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.UserID, e.DeviceID, e.Change.TableID, e.Change.RowID,
		string(e.Change.Operation), changes, e.Change.Version, e.Timestamp)
	return err
}

func (s *Store) ChangesSince(ctx context.Context, since time.Time, afterID string, limit int) ([]store.ChangeEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, device_id, table_id, row_id, operation, changes, version, ts
		FROM sync_change
		WHERE ts > $1 OR ($2 <> '' AND ts = $1 AND id > $2)
		ORDER BY ts, id
		LIMIT $3
	`, since, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.ChangeEntry, 0, limit)
	for rows.Next() {
		var (
			e       store.ChangeEntry
			op      string
			changes []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.DeviceID, &e.Change.TableID, &e.Change.RowID,
			&op, &changes, &e.Change.Version, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Change.Operation = model.Operation(op)
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &e.Change.Changes); err != nil {
				return nil, fmt.Errorf("pg: decode change payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) HasChange(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sync_change WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *Store) PurgeChangesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sync_change WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT table_id FROM sync_change ORDER BY table_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) CapTableHistory(ctx context.Context, tableID string, max int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_change
		WHERE table_id = $1 AND id NOT IN (
			SELECT id FROM sync_change
			WHERE table_id = $1
			ORDER BY ts DESC, id DESC
			LIMIT $2
		)
	`, tableID, max)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
