package resolve

import (
	"encoding/json"
	"fmt"

	"github.com/gridsync/gridsync/internal/model"
)

// Built-in strategy ids.
const (
	StrategyLastWriteWins  = "last_write_wins"
	StrategyFirstWriteWins = "first_write_wins"
	StrategyManual         = "manual"
	StrategyMergeString    = "merge_string"
	StrategyMergeNumeric   = "merge_numeric"
)

// MergeDelimiter separates the local and remote halves of a
// merge_string result.
const MergeDelimiter = " | "

func builtins() []Strategy {
	return []Strategy{
		{
			ID:        StrategyLastWriteWins,
			Name:      "Last write wins",
			AutoApply: true,
			Handler: func(c model.Conflict) (any, error) {
				return c.RemoteValue, nil
			},
		},
		{
			ID:        StrategyFirstWriteWins,
			Name:      "First write wins",
			AutoApply: true,
			Handler: func(c model.Conflict) (any, error) {
				return c.LocalValue, nil
			},
		},
		{
			ID:        StrategyManual,
			Name:      "Manual review",
			AutoApply: false,
			Handler: func(c model.Conflict) (any, error) {
				return nil, ErrManualResolution
			},
		},
		{
			ID:        StrategyMergeString,
			Name:      "Concatenate text",
			AutoApply: true,
			Handler:   mergeString,
		},
		{
			ID:        StrategyMergeNumeric,
			Name:      "Numeric average",
			AutoApply: true,
			Handler:   mergeNumeric,
		},
	}
}

func mergeString(c model.Conflict) (any, error) {
	local, lok := c.LocalValue.(string)
	remote, rok := c.RemoteValue.(string)
	if !lok || !rok {
		return nil, fmt.Errorf("resolve: merge_string needs two text values, got %T and %T",
			c.LocalValue, c.RemoteValue)
	}
	if local == remote {
		return local, nil
	}
	return local + MergeDelimiter + remote, nil
}

func mergeNumeric(c model.Conflict) (any, error) {
	local, lok := asFloat(c.LocalValue)
	remote, rok := asFloat(c.RemoteValue)
	if !lok || !rok {
		return nil, fmt.Errorf("resolve: merge_numeric needs two numeric values, got %T and %T",
			c.LocalValue, c.RemoteValue)
	}
	return (local + remote) / 2, nil
}

// asFloat coerces the numeric types that survive JSON decoding and
// in-process use to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
