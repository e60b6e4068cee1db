package session

import (
	"context"
	"time"

	"github.com/gridsync/gridsync/internal/model"
)

// ConflictNotice is the conflict event delivered to a client when the
// server declines one of its edits. MergedValue is the server's
// suggested resolution for the accept_remote path.
type ConflictNotice struct {
	EditID      string    `json:"editId"`
	TableID     string    `json:"tableId"`
	RowID       string    `json:"rowId"`
	Column      string    `json:"column"`
	LocalValue  any       `json:"localValue"`
	RemoteValue any       `json:"remoteValue"`
	MergedValue any       `json:"mergedValue"`
	Timestamp   time.Time `json:"timestamp"`
}

// Conflict converts the notice into the detector's conflict shape so
// resolution strategies can run against it.
func (n ConflictNotice) Conflict() model.Conflict {
	return model.Conflict{
		ID:          n.EditID,
		TableID:     n.TableID,
		RowID:       n.RowID,
		Column:      n.Column,
		LocalValue:  n.LocalValue,
		RemoteValue: n.RemoteValue,
		Timestamp:   n.Timestamp,
	}
}

// QueuedChange is an edit held locally while offline, re-submitted as
// a batch on reconnect.
type QueuedChange struct {
	EditID          string          `json:"editId"`
	RowID           string          `json:"rowId"`
	Column          string          `json:"column,omitempty"`
	OldValue        any             `json:"oldValue,omitempty"`
	NewValue        any             `json:"newValue,omitempty"`
	Operation       model.Operation `json:"operation,omitempty"`
	Changes         model.Row       `json:"changes,omitempty"`
	BaseVersion     int64           `json:"baseVersion"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
}

// Outcome is the per-change result of a batch upload.
type Outcome struct {
	EditID   string
	Applied  bool
	Conflict *ConflictNotice
	Err      string
}

// RemoteEntry is one canonical change fetched from the server, with
// the server-side timestamp used to advance the sync cursor.
type RemoteEntry struct {
	EditID    string
	Change    model.RowChange
	Timestamp time.Time
}

// Cursor is a download position in the canonical change feed: the
// timestamp of the last entry seen plus its id, so a page break inside
// a run of equal timestamps does not skip the rest of the run. An
// empty After means strictly after Since.
type Cursor struct {
	Since time.Time
	After string
}

// advances reports whether next moves the feed position forward.
func (c Cursor) advances(next Cursor) bool {
	if next.Since.After(c.Since) {
		return true
	}
	return next.Since.Equal(c.Since) && next.After != "" && next.After != c.After
}

// Transport carries edits to the canonical store and changes back.
// Submit and CancelEdit ride the live channel; their acknowledgements
// arrive asynchronously through HandleEditAck and HandleConflict.
// Upload and Download are the batch channel used around offline
// periods. Implementations live in the client package.
type Transport interface {
	Submit(ctx context.Context, e model.Edit) error
	SubmitRowOp(ctx context.Context, editID string, ch model.RowChange) error
	CancelEdit(ctx context.Context, editID string) error
	Upload(ctx context.Context, changes []QueuedChange) ([]Outcome, error)
	Download(ctx context.Context, cur Cursor) ([]RemoteEntry, Cursor, error)
	Resolve(ctx context.Context, conflictID string, value any) error
}

// Resolution selects how a conflict is settled from the client side.
type Resolution string

const (
	// AcceptLocal keeps the value this client wrote.
	AcceptLocal Resolution = "accept_local"

	// AcceptRemote takes the server's suggested merged value.
	AcceptRemote Resolution = "accept_remote"

	// Custom applies a caller-supplied value.
	Custom Resolution = "custom"
)
