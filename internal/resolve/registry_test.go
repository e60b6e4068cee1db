package resolve

import (
	"errors"
	"testing"

	"github.com/gridsync/gridsync/internal/model"
)

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()

	conflict := model.Conflict{LocalValue: "local", RemoteValue: "remote"}

	tests := []struct {
		name    string
		id      string
		want    any
		wantErr error
	}{
		{name: "last write wins picks remote", id: StrategyLastWriteWins, want: "remote"},
		{name: "first write wins picks local", id: StrategyFirstWriteWins, want: "local"},
		{name: "manual always fails", id: StrategyManual, wantErr: ErrManualResolution},
		{name: "unknown id is a hard error", id: "no_such_strategy", wantErr: ErrUnknownStrategy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.id, conflict)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve(%s) error = %v, want %v", tt.id, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%s) unexpected error: %v", tt.id, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%s) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestMergeString(t *testing.T) {
	r := NewRegistry()

	got, err := r.Resolve(StrategyMergeString, model.Conflict{LocalValue: "alpha", RemoteValue: "beta"})
	if err != nil {
		t.Fatalf("merge_string failed: %v", err)
	}
	if got != "alpha | beta" {
		t.Errorf("merge_string = %q, want %q", got, "alpha | beta")
	}

	// Non-text operands must fail, not coerce.
	if _, err := r.Resolve(StrategyMergeString, model.Conflict{LocalValue: 1, RemoteValue: "beta"}); err == nil {
		t.Error("merge_string accepted a non-text local value")
	}
}

func TestMergeNumeric(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name   string
		local  any
		remote any
		want   float64
		ok     bool
	}{
		{name: "ints average", local: 12, remote: 14, want: 13, ok: true},
		{name: "floats average", local: 1.5, remote: 2.5, want: 2, ok: true},
		{name: "mixed int and float", local: 10, remote: 11.0, want: 10.5, ok: true},
		{name: "text operand fails", local: "x", remote: 2, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(StrategyMergeNumeric, model.Conflict{LocalValue: tt.local, RemoteValue: tt.remote})
			if !tt.ok {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("merge_numeric failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("merge_numeric = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistryManagement(t *testing.T) {
	r := NewRegistry()

	custom := Strategy{
		ID:   "json_merge",
		Name: "Structural JSON merge",
		Handler: func(c model.Conflict) (any, error) {
			return c.RemoteValue, nil
		},
	}
	if err := r.Register(custom); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := r.SetDefault("json_merge"); err != nil {
		t.Fatalf("SetDefault failed: %v", err)
	}
	if got := r.Default().ID; got != "json_merge" {
		t.Errorf("Default() = %s, want json_merge", got)
	}

	// Default strategy cannot be removed out from under callers.
	if err := r.Remove("json_merge"); err == nil {
		t.Error("Remove allowed deleting the default strategy")
	}

	if err := r.SetDefault("no_such_strategy"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("SetDefault(unknown) error = %v, want ErrUnknownStrategy", err)
	}

	list := r.List()
	if len(list) != 6 {
		t.Fatalf("List() returned %d strategies, want 6", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Errorf("List() not sorted: %s before %s", list[i-1].ID, list[i].ID)
		}
	}
}
