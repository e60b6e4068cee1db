package session

import "sync"

// EventType tags a session event.
type EventType string

const (
	EventRowChanged       EventType = "row_changed"
	EventRowRemoved       EventType = "row_removed"
	EventEditPending      EventType = "edit_pending"
	EventEditConfirmed    EventType = "edit_confirmed"
	EventEditRejected     EventType = "edit_rejected"
	EventConflictDetected EventType = "conflict_detected"
	EventConflictResolved EventType = "conflict_resolved"
	EventSyncState        EventType = "sync_state"
)

// Event is a state change announced to session subscribers, typically
// a UI layer re-rendering the affected row.
type Event struct {
	Type     EventType
	TableID  string
	RowID    string
	EditID   string
	Reason   string
	Conflict *ConflictNotice
	Online   bool
}

// bus is a minimal synchronous fan-out. Emit runs handlers inline on
// the calling goroutine, after the session lock is released.
type bus struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Event)
}

func newBus() *bus {
	return &bus{subs: make(map[int]func(Event))}
}

// subscribe registers a handler and returns its cancel func.
func (b *bus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *bus) emit(events ...Event) {
	b.mu.Lock()
	handlers := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()
	for _, ev := range events {
		for _, fn := range handlers {
			fn(ev)
		}
	}
}
