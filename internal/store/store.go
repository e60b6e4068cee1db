// Package store defines the persistence contract the server sync
// coordinator runs against: per-record compare-and-write by version, an
// append-only change log, conflict records, and sibling records for
// keep-both resolutions. Drivers live in subpackages (pg for Postgres,
// mem for tests and embedded use).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gridsync/gridsync/internal/model"
)

var (
	// ErrNotFound is returned when a record or conflict does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by CompareAndWrite when the stored
	// version is newer than the declared base version. The write is not
	// applied.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Record is the canonical server-side state of one table row.
type Record struct {
	TableID   string    `json:"tableId"`
	RowID     string    `json:"rowId"`
	Data      model.Row `json:"data"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Deleted   bool      `json:"deleted"`
}

// ChangeEntry is one committed mutation in the change log, tagged with
// the submitting identity so devices can reconcile after offline
// periods. ID equals the originating edit id and is the idempotency
// key for re-uploads.
type ChangeEntry struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	DeviceID  string          `json:"deviceId"`
	Change    model.RowChange `json:"change"`
	Timestamp time.Time       `json:"timestamp"`
}

// StoredConflict is a server-recorded conflict awaiting resolution.
// Conflicts are destroyed only by explicit or auto resolution, never by
// timeout.
type StoredConflict struct {
	model.Conflict
	UserID          string    `json:"userId"`
	DeviceID        string    `json:"deviceId"`
	BaseVersion     int64     `json:"baseVersion"`
	LocalTimestamp  time.Time `json:"localTimestamp"`
	RemoteTimestamp time.Time `json:"remoteTimestamp"`
}

// Sibling preserves a value displaced by a keep_both resolution so it
// stays retrievable next to the canonical record.
type Sibling struct {
	TableID    string    `json:"tableId"`
	RowID      string    `json:"rowId"`
	Column     string    `json:"column"`
	Seq        int64     `json:"seq"`
	Value      any       `json:"value"`
	ConflictID string    `json:"conflictId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RecordStore is the per-record compare-and-write contract.
type RecordStore interface {
	// Record fetches the canonical state of a row. ErrNotFound if the
	// row was never written.
	Record(ctx context.Context, tableID, rowID string) (Record, error)

	// CompareAndWrite applies one mutation to a row iff the stored
	// version is not newer than baseVersion; otherwise it returns
	// ErrVersionConflict and leaves the row untouched. On success the
	// new version is max(stored, base)+1 and the updated record is
	// returned.
	CompareAndWrite(ctx context.Context, ch model.RowChange, baseVersion int64, at time.Time) (Record, error)
}

// ChangeLog is the append-only feed served by Download.
type ChangeLog interface {
	AppendChange(ctx context.Context, e ChangeEntry) error

	// ChangesSince returns entries strictly after the (since, afterID)
	// cursor position in (Timestamp, ID) order, at most limit. An empty
	// afterID means strictly after since: entries sharing the since
	// timestamp are excluded. A non-empty afterID additionally admits
	// entries at exactly since whose ID sorts after it, so pages can
	// break inside a group of equal timestamps without skipping the
	// rest of the group.
	ChangesSince(ctx context.Context, since time.Time, afterID string, limit int) ([]ChangeEntry, error)

	// HasChange reports whether an entry with the given id exists.
	HasChange(ctx context.Context, id string) (bool, error)

	// PurgeChangesBefore removes entries older than cutoff.
	PurgeChangesBefore(ctx context.Context, cutoff time.Time) (int, error)

	// CapTableHistory evicts the oldest entries of a table beyond max.
	CapTableHistory(ctx context.Context, tableID string, max int) (int, error)

	// Tables lists the distinct table ids present in the change log.
	Tables(ctx context.Context) ([]string, error)
}

// ConflictStore persists unresolved conflicts.
type ConflictStore interface {
	PutConflict(ctx context.Context, c StoredConflict) error
	Conflict(ctx context.Context, id string) (StoredConflict, error)
	DeleteConflict(ctx context.Context, id string) error

	// ConflictsByUser lists a user's unresolved conflicts across all
	// devices, oldest first.
	ConflictsByUser(ctx context.Context, userID string) ([]StoredConflict, error)
}

// SiblingStore persists keep_both leftovers.
type SiblingStore interface {
	AddSibling(ctx context.Context, s Sibling) (Sibling, error)
	Siblings(ctx context.Context, tableID, rowID, column string) ([]Sibling, error)
}

// Store is the full persistence surface the coordinator needs.
type Store interface {
	RecordStore
	ChangeLog
	ConflictStore
	SiblingStore
	Close() error
}
