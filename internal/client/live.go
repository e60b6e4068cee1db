package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gridsync/gridsync/internal/live"
	"github.com/gridsync/gridsync/internal/model"
	"github.com/gridsync/gridsync/internal/session"
)

// Listener receives the asynchronous server events arriving on the
// live channel. A table session satisfies this.
type Listener interface {
	HandleEditAck(editID string, success bool, errMsg string)
	HandleConflict(n session.ConflictNotice)
	ApplyRemoteChange(ch model.RowChange, at time.Time)
}

// Live is a websocket connection to one table room. Writes are
// serialized; reads run on a background goroutine that dispatches
// envelopes to the listener until the connection drops.
type Live struct {
	conn     *websocket.Conn
	listener Listener
	log      zerolog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// DialLive opens the live channel for a table. The returned connection
// keeps dispatching until Close or a read error; Err reports why the
// read loop stopped.
func DialLive(ctx context.Context, cfg Config, tableID string, listener Listener, log zerolog.Logger) (*Live, error) {
	wsURL := strings.Replace(cfg.BaseURL, "http", "ws", 1) + "/v1/sync/live?table=" + tableID

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	} else if cfg.DebugSub != "" {
		header.Set("X-Debug-Sub", cfg.DebugSub)
		header.Set("X-Device-ID", cfg.DeviceID)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: live dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("client: live dial: %w", err)
	}

	l := &Live{
		conn:     conn,
		listener: listener,
		log:      log.With().Str("component", "live-client").Str("table", tableID).Logger(),
		done:     make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// Done closes when the read loop has stopped, either from Close or a
// dropped connection.
func (l *Live) Done() <-chan struct{} { return l.done }

// Close shuts the connection down. Safe to call more than once.
func (l *Live) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		l.conn.SetWriteDeadline(time.Now().Add(time.Second))
		l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

func (l *Live) send(typ string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("client: marshal %s: %w", typ, err)
	}
	msg, err := json.Marshal(live.Message{Type: typ, Data: data})
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("client: live write: %w", err)
	}
	return nil
}

// Submit sends a cell edit; the ack arrives through the listener.
func (l *Live) Submit(e model.Edit) error {
	return l.send(live.MsgSubmitEdit, e)
}

// SubmitRowOp sends a whole-row operation.
func (l *Live) SubmitRowOp(editID string, ch model.RowChange) error {
	return l.send(live.MsgRowOp, live.RowOp{EditID: editID, Change: ch})
}

// CancelEdit sends a best-effort cancellation notice.
func (l *Live) CancelEdit(editID string) error {
	return l.send(live.MsgCancelEdit, live.CancelEdit{EditID: editID})
}

func (l *Live) readLoop() {
	defer close(l.done)
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.log.Warn().Err(err).Msg("live channel dropped")
			}
			return
		}

		var msg live.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			l.log.Warn().Err(err).Msg("malformed live envelope")
			continue
		}
		l.dispatch(msg)
	}
}

func (l *Live) dispatch(msg live.Message) {
	switch msg.Type {
	case live.MsgEditAck:
		var ack live.EditAck
		if err := json.Unmarshal(msg.Data, &ack); err != nil {
			l.log.Warn().Err(err).Msg("malformed edit ack")
			return
		}
		l.listener.HandleEditAck(ack.EditID, ack.Success, ack.Error)

	case live.MsgConflict:
		var ev live.ConflictEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			l.log.Warn().Err(err).Msg("malformed conflict event")
			return
		}
		l.listener.HandleConflict(session.ConflictNotice{
			EditID:      ev.EditID,
			TableID:     ev.TableID,
			RowID:       ev.RowID,
			Column:      ev.Column,
			LocalValue:  ev.LocalValue,
			RemoteValue: ev.RemoteValue,
			MergedValue: ev.MergedValue,
			Timestamp:   ev.Timestamp,
		})

	case live.MsgRemoteChange:
		var rc live.RemoteChange
		if err := json.Unmarshal(msg.Data, &rc); err != nil {
			l.log.Warn().Err(err).Msg("malformed remote change")
			return
		}
		l.listener.ApplyRemoteChange(rc.Change, rc.Timestamp)

	case live.MsgPresence, live.MsgError:
		// Presence is informational; server errors are already
		// reflected in edit acks.
		l.log.Debug().Str("type", msg.Type).RawJSON("data", msg.Data).Msg("live event")

	default:
		l.log.Debug().Str("type", msg.Type).Msg("ignoring unknown live event")
	}
}
