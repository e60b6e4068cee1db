// Package resolve implements the pluggable conflict-resolution layer:
// a registry of named merge strategies and a detector that classifies
// conflicts and suggests a strategy. Detection and merge policy are
// deliberately decoupled so new strategies can be registered without
// touching the detector.
package resolve

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gridsync/gridsync/internal/model"
)

var (
	// ErrUnknownStrategy is returned when a strategy id is not
	// registered. Referencing an unknown id is a hard error, never a
	// silent no-op.
	ErrUnknownStrategy = errors.New("resolve: unknown strategy")

	// ErrManualResolution is returned by the manual strategy: it never
	// produces a value and forces external resolution.
	ErrManualResolution = errors.New("resolve: manual resolution required")
)

// Handler maps a conflict to a resolved value, or fails.
type Handler func(c model.Conflict) (any, error)

// Strategy is a named value-merge function.
type Strategy struct {
	ID        string
	Name      string
	AutoApply bool
	Handler   Handler
}

// Registry holds registered strategies and the configured default.
// Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	defaultID  string
}

// NewRegistry creates a registry pre-loaded with the built-in
// strategies, defaulting to last_write_wins.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	for _, s := range builtins() {
		r.strategies[s.ID] = s
	}
	r.defaultID = StrategyLastWriteWins
	return r
}

// Register adds or replaces a strategy.
func (r *Registry) Register(s Strategy) error {
	if s.ID == "" {
		return errors.New("resolve: strategy id is required")
	}
	if s.Handler == nil {
		return fmt.Errorf("resolve: strategy %q has no handler", s.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.ID] = s
	return nil
}

// Remove deletes a strategy. The current default cannot be removed.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	if id == r.defaultID {
		return fmt.Errorf("resolve: cannot remove default strategy %q", id)
	}
	delete(r.strategies, id)
	return nil
}

// SetDefault switches the default strategy.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	r.defaultID = id
	return nil
}

// Default returns the default strategy.
func (r *Registry) Default() Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategies[r.defaultID]
}

// Get looks up a strategy by id.
func (r *Registry) Get(id string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	if !ok {
		return Strategy{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	return s, nil
}

// List returns all registered strategies ordered by id.
func (r *Registry) List() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve runs the named strategy against the conflict.
func (r *Registry) Resolve(id string, c model.Conflict) (any, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Handler(c)
}
