// Package model defines the core data types shared by the client
// session, the server sync coordinator, and the wire layer. Types here
// are tagged with a stable discriminant (status, operation, conflict
// type) so handlers can switch exhaustively instead of sniffing maps.
package model

import "time"

// EditStatus tracks the lifecycle of a submitted edit.
type EditStatus string

const (
	EditPending   EditStatus = "pending"
	EditConfirmed EditStatus = "confirmed"
	EditRejected  EditStatus = "rejected"
)

// IsValid returns true if the status is recognized.
func (s EditStatus) IsValid() bool {
	switch s {
	case EditPending, EditConfirmed, EditRejected:
		return true
	default:
		return false
	}
}

// Operation is the kind of row mutation carried by a RowChange.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// IsValid returns true if the operation is recognized.
func (o Operation) IsValid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// ConflictType classifies how a local and remote value diverge.
type ConflictType string

const (
	ConflictValue      ConflictType = "value"
	ConflictTypeKind   ConflictType = "type"
	ConflictStructural ConflictType = "structural"
)

// Row is a single table row keyed by column name.
type Row map[string]any

// Clone returns a shallow-value copy of the row. Cell values are
// treated as immutable once stored, so copying the map is sufficient
// for rollback snapshots.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Edit is a single-cell mutation submitted on the live channel.
type Edit struct {
	EditID   string     `json:"editId"`
	TableID  string     `json:"tableId"`
	RowID    string     `json:"rowId"`
	Column   string     `json:"column"`
	OldValue any        `json:"oldValue"`
	NewValue any        `json:"newValue"`
	Version  int64      `json:"version"`
	Status   EditStatus `json:"status"`
}

// RowChange is a committed mutation flowing between client and server,
// both as an inbound remote change and as an uploaded offline change.
type RowChange struct {
	TableID   string    `json:"tableId"`
	RowID     string    `json:"rowId"`
	Operation Operation `json:"operation"`
	Changes   Row       `json:"changes,omitempty"`
	Version   int64     `json:"version"`
}

// Conflict is a detected divergence between a local edit's base state
// and the canonical state. Its ID equals the originating edit's ID.
type Conflict struct {
	ID          string         `json:"id"`
	TableID     string         `json:"tableId"`
	RowID       string         `json:"rowId"`
	Column      string         `json:"column"`
	LocalValue  any            `json:"localValue"`
	RemoteValue any            `json:"remoteValue"`
	BaseValue   any            `json:"baseValue,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        ConflictType   `json:"conflictType"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
