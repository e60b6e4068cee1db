// Package live implements the websocket channel for same-session
// collaborative editing: per-table rooms, typed envelopes for edits,
// acks, conflicts and remote changes, and presence notices.
package live

import (
	"encoding/json"
	"time"

	"github.com/gridsync/gridsync/internal/model"
)

// Message is the websocket envelope. Data carries the type-specific
// payload.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client-to-server message types.
const (
	MsgSubmitEdit = "submit_edit"
	MsgRowOp      = "row_op"
	MsgCancelEdit = "cancel_edit"
)

// Server-to-client message types.
const (
	MsgEditAck      = "edit_ack"
	MsgConflict     = "conflict"
	MsgRemoteChange = "remote_change"
	MsgPresence     = "presence"
	MsgError        = "error"
)

// EditAck acknowledges a submitted edit or row operation.
type EditAck struct {
	EditID  string `json:"editId"`
	Success bool   `json:"success"`
	Version int64  `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RowOp is a whole-row operation submission.
type RowOp struct {
	EditID string          `json:"editId"`
	Change model.RowChange `json:"change"`
}

// CancelEdit is a best-effort cancellation notice. Edits are applied
// synchronously on receipt, so by the time a cancel arrives the edit
// is committed or unknown; the client reconciles via remote changes.
type CancelEdit struct {
	EditID string `json:"editId"`
}

// ConflictEvent notifies the submitting client that its edit lost a
// version race. MergedValue carries the server's suggested resolution.
type ConflictEvent struct {
	EditID      string    `json:"editId"`
	TableID     string    `json:"tableId"`
	RowID       string    `json:"rowId"`
	Column      string    `json:"column"`
	LocalValue  any       `json:"localValue"`
	RemoteValue any       `json:"remoteValue"`
	MergedValue any       `json:"mergedValue"`
	Timestamp   time.Time `json:"timestamp"`
}

// RemoteChange fans a committed change out to the other devices in a
// table room.
type RemoteChange struct {
	EditID    string          `json:"editId"`
	Change    model.RowChange `json:"change"`
	Timestamp time.Time       `json:"timestamp"`
}

// Presence announces a device joining or leaving a table room.
type Presence struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId,omitempty"`
	Action   string `json:"action"` // joined or left
	Count    int    `json:"count"`
}

func envelope(typ string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: typ, Data: data})
}
