package resolve

import (
	"math"
	"testing"

	"github.com/gridsync/gridsync/internal/model"
)

func TestDetectType(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		name   string
		local  any
		remote any
		want   model.ConflictType
	}{
		{name: "same scalar type", local: "a", remote: "b", want: model.ConflictValue},
		{name: "differing runtime types", local: "a", remote: 1, want: model.ConflictTypeKind},
		{name: "int vs float", local: 1, remote: 1.0, want: model.ConflictTypeKind},
		{
			name:   "maps with same keys",
			local:  map[string]any{"a": 1, "b": 2},
			remote: map[string]any{"a": 9, "b": 8},
			want:   model.ConflictValue,
		},
		{
			name:   "maps with differing key sets",
			local:  map[string]any{"a": 1},
			remote: map[string]any{"a": 1, "b": 2},
			want:   model.ConflictStructural,
		},
		{
			name:   "slices of differing length",
			local:  []any{1, 2},
			remote: []any{1, 2, 3},
			want:   model.ConflictStructural,
		},
		{name: "nil local", local: nil, remote: "x", want: model.ConflictValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.DetectType(tt.local, tt.remote, nil); got != tt.want {
				t.Errorf("DetectType() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSuggest(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		name           string
		conflict       model.Conflict
		wantStrategy   string
		wantConfidence float64
	}{
		{
			name:           "type mismatch forces manual",
			conflict:       model.Conflict{Type: model.ConflictTypeKind, LocalValue: "a", RemoteValue: 1},
			wantStrategy:   StrategyManual,
			wantConfidence: 0.3,
		},
		{
			name:           "close numbers average",
			conflict:       model.Conflict{Type: model.ConflictValue, LocalValue: 12, RemoteValue: 14},
			wantStrategy:   StrategyMergeNumeric,
			wantConfidence: 0.8,
		},
		{
			name:           "distant numbers fall back to last write",
			conflict:       model.Conflict{Type: model.ConflictValue, LocalValue: 10, RemoteValue: 100},
			wantStrategy:   StrategyLastWriteWins,
			wantConfidence: 0.6,
		},
		{
			name:         "similar text merges",
			conflict:     model.Conflict{Type: model.ConflictValue, LocalValue: "hello world", RemoteValue: "hello there"},
			wantStrategy: StrategyMergeString,
		},
		{
			name:           "dissimilar text falls back",
			conflict:       model.Conflict{Type: model.ConflictValue, LocalValue: "abc", RemoteValue: "xyzqrstuv"},
			wantStrategy:   StrategyLastWriteWins,
			wantConfidence: 0.6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Suggest(tt.conflict)
			if got.StrategyID != tt.wantStrategy {
				t.Fatalf("Suggest() strategy = %s, want %s", got.StrategyID, tt.wantStrategy)
			}
			if tt.wantConfidence != 0 && math.Abs(got.Confidence-tt.wantConfidence) > 1e-9 {
				t.Errorf("Suggest() confidence = %v, want %v", got.Confidence, tt.wantConfidence)
			}
		})
	}
}

func TestSuggestMergeStringConfidenceIsSimilarity(t *testing.T) {
	d := NewDetector()
	c := model.Conflict{Type: model.ConflictValue, LocalValue: "hello world", RemoteValue: "hello would"}

	got := d.Suggest(c)
	want := Similarity("hello world", "hello would")
	if got.StrategyID != StrategyMergeString {
		t.Fatalf("strategy = %s, want merge_string", got.StrategyID)
	}
	if math.Abs(got.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want similarity %v", got.Confidence, want)
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want float64
	}{
		{name: "identical", a: "same", b: "same", want: 1},
		{name: "both empty", a: "", b: "", want: 1},
		{name: "one empty", a: "abcd", b: "", want: 0},
		{name: "single substitution", a: "cat", b: "car", want: 1 - 1.0/3},
		{name: "length asymmetric", a: "ab", b: "abcd", want: 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Similarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Similarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			// Symmetric in argument order.
			if got, rev := Similarity(tt.a, tt.b), Similarity(tt.b, tt.a); math.Abs(got-rev) > 1e-9 {
				t.Errorf("Similarity not symmetric: %v vs %v", got, rev)
			}
		})
	}
}
