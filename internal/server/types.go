// Package server implements the authoritative side of reconciliation:
// it applies uploaded batches record by record, records conflicts on
// version mismatch, serves paginated downloads, lists and resolves
// conflicts, and enforces retention.
package server

import (
	"time"

	"github.com/gridsync/gridsync/internal/model"
	"github.com/gridsync/gridsync/internal/store"
)

// Strategy is a server-side conflict resolution choice.
type Strategy string

const (
	// StrategyLastWriteWins applies whichever side has the newer
	// timestamp.
	StrategyLastWriteWins Strategy = "last_write_wins"

	// StrategyKeepBoth persists both versions, the loser as a sibling
	// record. It never drops data.
	StrategyKeepBoth Strategy = "keep_both"

	// StrategyUserChoice applies the caller-supplied value.
	StrategyUserChoice Strategy = "user_choice"
)

// IsValid returns true if the strategy is recognized.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyLastWriteWins, StrategyKeepBoth, StrategyUserChoice:
		return true
	default:
		return false
	}
}

// UploadChange is one offline change in an upload batch. Cell edits
// carry Column/OldValue/NewValue; row operations carry Changes.
type UploadChange struct {
	EditID          string          `json:"editId"`
	TableID         string          `json:"table"`
	RowID           string          `json:"rowId"`
	Column          string          `json:"column,omitempty"`
	OldValue        any             `json:"oldValue,omitempty"`
	NewValue        any             `json:"newValue,omitempty"`
	Operation       model.Operation `json:"operation,omitempty"`
	Changes         model.Row       `json:"changes,omitempty"`
	BaseVersion     int64           `json:"baseVersion"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
}

// OutcomeStatus tags a per-change upload outcome.
type OutcomeStatus string

const (
	OutcomeApplied  OutcomeStatus = "applied"
	OutcomeConflict OutcomeStatus = "conflict"
	OutcomeError    OutcomeStatus = "error"
)

// ChangeOutcome is the per-change result of an upload. The outcome
// list always has the same length as the input batch; a batch is never
// atomic as a whole, only per record.
type ChangeOutcome struct {
	EditID     string        `json:"editId"`
	Status     OutcomeStatus `json:"status"`
	Version    int64         `json:"version,omitempty"`
	ConflictID string        `json:"conflictId,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// UploadRequest is the batch-channel upload payload.
type UploadRequest struct {
	DeviceID string         `json:"deviceId"`
	Changes  []UploadChange `json:"changes"`
}

// UploadResponse carries the outcome list plus the applied/conflict
// summaries.
type UploadResponse struct {
	Outcomes  []ChangeOutcome  `json:"outcomes"`
	Applied   []string         `json:"applied"`
	Conflicts []model.Conflict `json:"conflicts"`
}

// DownloadRequest asks for canonical changes after a cursor position.
type DownloadRequest struct {
	DeviceID string    `json:"deviceId"`
	Since    time.Time `json:"sinceTimestamp"`
	After    string    `json:"afterId,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

// DownloadResponse is one page of the change feed. Callers paginate by
// passing NextSince and NextID as the next request's cursor. The id
// half keeps a page break inside a run of equal timestamps from
// skipping the rest of the run.
type DownloadResponse struct {
	Changes   []store.ChangeEntry `json:"changes"`
	NextSince time.Time           `json:"nextSinceTimestamp"`
	NextID    string              `json:"nextId,omitempty"`
	HasMore   bool                `json:"hasMore"`
}

// ConflictListResponse lists a user's unresolved conflicts.
type ConflictListResponse struct {
	Conflicts []store.StoredConflict `json:"conflicts"`
	Count     int                    `json:"count"`
}

// ResolveRequest resolves one conflict.
type ResolveRequest struct {
	ConflictID string   `json:"conflictId"`
	Strategy   Strategy `json:"strategy"`
	Value      any      `json:"value,omitempty"`
}

// ResolveResponse reports the value that became canonical.
type ResolveResponse struct {
	ResolvedValue any  `json:"resolvedValue"`
	Success       bool `json:"success"`
}
