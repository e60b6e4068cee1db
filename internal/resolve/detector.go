package resolve

import (
	"math"
	"reflect"

	"github.com/gridsync/gridsync/internal/model"
)

// Suggestion pairs a strategy id with the detector's confidence in it.
type Suggestion struct {
	StrategyID string  `json:"strategyId"`
	Confidence float64 `json:"confidence"`
}

// Detector classifies (local, remote, base) triples and suggests a
// resolution strategy. Thresholds are tunable per instance; the
// defaults bias toward the common non-destructive case and flag
// genuinely ambiguous cases for manual review.
type Detector struct {
	// NumericThreshold is the maximum |local-remote|/mean ratio at
	// which two numbers are considered close enough to average.
	NumericThreshold float64

	// SimilarityThreshold is the minimum string similarity at which
	// two texts are considered mergeable.
	SimilarityThreshold float64
}

// NewDetector returns a detector with the default thresholds.
func NewDetector() *Detector {
	return &Detector{
		NumericThreshold:    0.2,
		SimilarityThreshold: 0.5,
	}
}

// DetectType classifies how local and remote diverge: differing
// runtime types yield a type conflict, composites with differing
// shapes yield a structural conflict, anything else is a plain value
// conflict.
func (d *Detector) DetectType(local, remote, base any) model.ConflictType {
	if local == nil || remote == nil {
		return model.ConflictValue
	}
	lt, rt := reflect.TypeOf(local), reflect.TypeOf(remote)
	if lt != rt {
		return model.ConflictTypeKind
	}
	switch lv := local.(type) {
	case map[string]any:
		if !sameKeys(lv, remote.(map[string]any)) {
			return model.ConflictStructural
		}
	case model.Row:
		if !sameKeys(lv, remote.(model.Row)) {
			return model.ConflictStructural
		}
	case []any:
		if len(lv) != len(remote.([]any)) {
			return model.ConflictStructural
		}
	}
	return model.ConflictValue
}

func sameKeys[M ~map[string]any](a, b M) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Suggest proposes a strategy for the conflict. Heuristics, in order:
// type mismatch forces manual review; numbers within NumericThreshold
// of each other average well; similar texts concatenate well; anything
// else falls back to last_write_wins.
func (d *Detector) Suggest(c model.Conflict) Suggestion {
	if c.Type == model.ConflictTypeKind {
		return Suggestion{StrategyID: StrategyManual, Confidence: 0.3}
	}

	if local, lok := asFloat(c.LocalValue); lok {
		if remote, rok := asFloat(c.RemoteValue); rok {
			mean := (local + remote) / 2
			if mean != 0 && math.Abs(local-remote)/math.Abs(mean) < d.NumericThreshold {
				return Suggestion{StrategyID: StrategyMergeNumeric, Confidence: 0.8}
			}
			return Suggestion{StrategyID: StrategyLastWriteWins, Confidence: 0.6}
		}
	}

	if local, lok := c.LocalValue.(string); lok {
		if remote, rok := c.RemoteValue.(string); rok {
			if sim := Similarity(local, remote); sim > d.SimilarityThreshold {
				return Suggestion{StrategyID: StrategyMergeString, Confidence: sim}
			}
		}
	}

	return Suggestion{StrategyID: StrategyLastWriteWins, Confidence: 0.6}
}

// Detect builds a Conflict from a raw triple, classifying its type.
func (d *Detector) Detect(id, tableID, rowID, column string, local, remote, base any) model.Conflict {
	return model.Conflict{
		ID:          id,
		TableID:     tableID,
		RowID:       rowID,
		Column:      column,
		LocalValue:  local,
		RemoteValue: remote,
		BaseValue:   base,
		Type:        d.DetectType(local, remote, base),
	}
}
