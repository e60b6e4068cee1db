package model

import "time"

// UpdateKind distinguishes single-cell edits from whole-row operations
// in the optimistic ledger.
type UpdateKind string

const (
	KindCellEdit UpdateKind = "cell-edit"
	KindRowOp    UpdateKind = "row-op"
)

// UpdateStatus tracks an optimistic update's lifecycle.
type UpdateStatus string

const (
	UpdatePending   UpdateStatus = "pending"
	UpdateConfirmed UpdateStatus = "confirmed"
	UpdateRejected  UpdateStatus = "rejected"
)

// ChangeSet is a reversible field-level delta. Before holds the prior
// value of every field named in After, so applying Before over a row
// exactly undoes applying After. Rollback completeness is structural:
// NewChangeSet refuses deltas whose snapshot misses a touched field.
type ChangeSet struct {
	Fields []string `json:"fieldsTouched"`
	Before Row      `json:"before"`
	After  Row      `json:"after"`
}

// NewChangeSet builds a ChangeSet from an after-image and the original
// values of the touched fields. Returns false if original misses any
// touched field, which would make rollback lossy.
func NewChangeSet(after, original Row) (ChangeSet, bool) {
	cs := ChangeSet{
		Fields: make([]string, 0, len(after)),
		Before: make(Row, len(after)),
		After:  after.Clone(),
	}
	for field := range after {
		if _, ok := original[field]; !ok {
			return ChangeSet{}, false
		}
		cs.Fields = append(cs.Fields, field)
		cs.Before[field] = original[field]
	}
	return cs, true
}

// Revert applies the before-image onto row, undoing the changeset.
func (cs ChangeSet) Revert(row Row) {
	for _, field := range cs.Fields {
		row[field] = cs.Before[field]
	}
}

// Apply writes the after-image onto row.
func (cs ChangeSet) Apply(row Row) {
	for _, field := range cs.Fields {
		row[field] = cs.After[field]
	}
}

// OptimisticUpdate is a locally-applied-but-unconfirmed change tracked
// by the ledger until it is acknowledged or rolled back.
type OptimisticUpdate struct {
	ID        string       `json:"id"`
	Kind      UpdateKind   `json:"kind"`
	TableID   string       `json:"tableId"`
	RowID     string       `json:"rowId,omitempty"`
	Changes   ChangeSet    `json:"changes"`
	Timestamp time.Time    `json:"timestamp"`
	Status    UpdateStatus `json:"status"`
}
