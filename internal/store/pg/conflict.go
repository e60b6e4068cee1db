package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gridsync/gridsync/internal/model"
	"github.com/gridsync/gridsync/internal/store"
)

func encodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeValue(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) PutConflict(ctx context.Context, c store.StoredConflict) error {
	local, err := encodeValue(c.LocalValue)
	if err != nil {
		return fmt.Errorf("pg: encode local value: %w", err)
	}
	remote, err := encodeValue(c.RemoteValue)
	if err != nil {
		return fmt.Errorf("pg: encode remote value: %w", err)
	}
	base, err := encodeValue(c.BaseValue)
	if err != nil {
		return fmt.Errorf("pg: encode base value: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_conflict
			(id, user_id, device_id, table_id, row_id, col, conflict_type,
			 local_value, remote_value, base_value, base_version, local_ts, remote_ts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10::jsonb, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.UserID, c.DeviceID, c.TableID, c.RowID, c.Column, string(c.Type),
		local, remote, base, c.BaseVersion, c.LocalTimestamp, c.RemoteTimestamp, c.Timestamp)
	return err
}

func (s *Store) Conflict(ctx context.Context, id string) (store.StoredConflict, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, device_id, table_id, row_id, col, conflict_type,
		       local_value, remote_value, base_value, base_version, local_ts, remote_ts, created_at
		FROM sync_conflict
		WHERE id = $1
	`, id)
	c, err := scanConflict(row)
	if err == pgx.ErrNoRows {
		return store.StoredConflict{}, fmt.Errorf("%w: conflict %s", store.ErrNotFound, id)
	}
	return c, err
}

func (s *Store) DeleteConflict(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sync_conflict WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: conflict %s", store.ErrNotFound, id)
	}
	return nil
}

func (s *Store) ConflictsByUser(ctx context.Context, userID string) ([]store.StoredConflict, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, device_id, table_id, row_id, col, conflict_type,
		       local_value, remote_value, base_value, base_version, local_ts, remote_ts, created_at
		FROM sync_conflict
		WHERE user_id = $1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.StoredConflict, 0)
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(r rowScanner) (store.StoredConflict, error) {
	var (
		c                   store.StoredConflict
		ctype               string
		local, remote, base []byte
	)
	err := r.Scan(&c.ID, &c.UserID, &c.DeviceID, &c.TableID, &c.RowID, &c.Column, &ctype,
		&local, &remote, &base, &c.BaseVersion, &c.LocalTimestamp, &c.RemoteTimestamp, &c.Timestamp)
	if err != nil {
		return store.StoredConflict{}, err
	}
	c.Type = model.ConflictType(ctype)
	if c.LocalValue, err = decodeValue(local); err != nil {
		return store.StoredConflict{}, fmt.Errorf("pg: decode local value: %w", err)
	}
	if c.RemoteValue, err = decodeValue(remote); err != nil {
		return store.StoredConflict{}, fmt.Errorf("pg: decode remote value: %w", err)
	}
	if c.BaseValue, err = decodeValue(base); err != nil {
		return store.StoredConflict{}, fmt.Errorf("pg: decode base value: %w", err)
	}
	return c, nil
}

func (s *Store) AddSibling(ctx context.Context, sib store.Sibling) (store.Sibling, error) {
	value, err := encodeValue(sib.Value)
	if err != nil {
		return store.Sibling{}, fmt.Errorf("pg: encode sibling value: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO sync_sibling (table_id, row_id, col, value, conflict_id, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		RETURNING seq
	`, sib.TableID, sib.RowID, sib.Column, value, sib.ConflictID, sib.CreatedAt).Scan(&sib.Seq)
	if err != nil {
		return store.Sibling{}, err
	}
	return sib, nil
}

func (s *Store) Siblings(ctx context.Context, tableID, rowID, column string) ([]store.Sibling, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, table_id, row_id, col, value, conflict_id, created_at
		FROM sync_sibling
		WHERE table_id = $1 AND row_id = $2 AND col = $3
		ORDER BY seq
	`, tableID, rowID, column)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.Sibling, 0)
	for rows.Next() {
		var (
			sib   store.Sibling
			value []byte
		)
		if err := rows.Scan(&sib.Seq, &sib.TableID, &sib.RowID, &sib.Column, &value, &sib.ConflictID, &sib.CreatedAt); err != nil {
			return nil, err
		}
		if sib.Value, err = decodeValue(value); err != nil {
			return nil, fmt.Errorf("pg: decode sibling value: %w", err)
		}
		out = append(out, sib)
	}
	return out, rows.Err()
}
