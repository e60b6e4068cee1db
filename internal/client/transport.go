package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridsync/gridsync/internal/model"
	"github.com/gridsync/gridsync/internal/session"
)

// Transport binds the batch and live channels into the session's
// transport contract for a single table. Without a live connection,
// submissions fall back to single-change batch uploads whose outcomes
// are fed to the listener asynchronously, preserving the live
// channel's ack semantics.
type Transport struct {
	tableID string
	http    *HTTP
	log     zerolog.Logger

	mu       sync.Mutex
	listener Listener
	live     *Live
}

var _ session.Transport = (*Transport)(nil)

// NewTransport returns a transport for one table. A nil listener can
// be attached later with SetListener, before the first submission.
func NewTransport(cfg Config, tableID string, listener Listener, log zerolog.Logger) *Transport {
	return &Transport{
		tableID:  tableID,
		http:     NewHTTP(cfg, log),
		listener: listener,
		log:      log.With().Str("component", "transport").Str("table", tableID).Logger(),
	}
}

// SetListener attaches the callback sink. The table session is
// constructed with this transport and then attached here, so set it
// before the first Submit or ConnectLive.
func (t *Transport) SetListener(l Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

func (t *Transport) getListener() Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

// ConnectLive dials the websocket channel. An existing connection is
// replaced.
func (t *Transport) ConnectLive(ctx context.Context) error {
	l, err := DialLive(ctx, t.http.cfg, t.tableID, t.getListener(), t.log)
	if err != nil {
		return err
	}
	t.mu.Lock()
	old := t.live
	t.live = l
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// CloseLive drops the websocket channel; batch operations keep
// working.
func (t *Transport) CloseLive() {
	t.mu.Lock()
	l := t.live
	t.live = nil
	t.mu.Unlock()
	if l != nil {
		l.Close()
	}
}

func (t *Transport) liveConn() *Live {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Submit sends a cell edit on the live channel, or falls back to a
// one-change batch upload when no live connection is attached.
func (t *Transport) Submit(ctx context.Context, e model.Edit) error {
	if l := t.liveConn(); l != nil {
		return l.Submit(e)
	}
	go t.uploadOne(session.QueuedChange{
		EditID:          e.EditID,
		RowID:           e.RowID,
		Column:          e.Column,
		OldValue:        e.OldValue,
		NewValue:        e.NewValue,
		BaseVersion:     e.Version,
		ClientTimestamp: time.Now(),
	})
	return nil
}

// SubmitRowOp sends a whole-row operation.
func (t *Transport) SubmitRowOp(ctx context.Context, editID string, ch model.RowChange) error {
	if l := t.liveConn(); l != nil {
		return l.SubmitRowOp(editID, ch)
	}
	go t.uploadOne(session.QueuedChange{
		EditID:          editID,
		RowID:           ch.RowID,
		Operation:       ch.Operation,
		Changes:         ch.Changes,
		BaseVersion:     ch.Version,
		ClientTimestamp: time.Now(),
	})
	return nil
}

// uploadOne pushes a single change through the batch channel and
// relays the outcome to the listener as if it were a live ack.
func (t *Transport) uploadOne(ch session.QueuedChange) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	listener := t.getListener()
	outcomes, err := t.http.Upload(ctx, []session.QueuedChange{ch}, t.tableID)
	if err != nil {
		t.log.Warn().Err(err).Str("edit_id", ch.EditID).Msg("fallback upload failed")
		listener.HandleEditAck(ch.EditID, false, err.Error())
		return
	}
	for _, o := range outcomes {
		if o.Conflict != nil {
			listener.HandleConflict(*o.Conflict)
			continue
		}
		listener.HandleEditAck(o.EditID, o.Applied, o.Err)
	}
}

// CancelEdit notifies the server on the live channel. Without one this
// is a no-op: the server has already committed or rejected the edit.
func (t *Transport) CancelEdit(ctx context.Context, editID string) error {
	if l := t.liveConn(); l != nil {
		return l.CancelEdit(editID)
	}
	return nil
}

// Upload sends queued offline changes over the batch channel.
func (t *Transport) Upload(ctx context.Context, changes []session.QueuedChange) ([]session.Outcome, error) {
	return t.http.Upload(ctx, changes, t.tableID)
}

// Download fetches one page of canonical changes after the cursor.
func (t *Transport) Download(ctx context.Context, cur session.Cursor) ([]session.RemoteEntry, session.Cursor, error) {
	return t.http.Download(ctx, cur)
}

// Resolve settles a conflict with an explicit value.
func (t *Transport) Resolve(ctx context.Context, conflictID string, value any) error {
	return t.http.Resolve(ctx, conflictID, value)
}
