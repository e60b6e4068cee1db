package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gridsync/gridsync/internal/auth"
	"github.com/gridsync/gridsync/internal/model"
	"github.com/gridsync/gridsync/internal/resolve"
	"github.com/gridsync/gridsync/internal/server"
	"github.com/gridsync/gridsync/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Hub fans live edits into the sync coordinator and committed changes
// back out to the devices watching each table.
type Hub struct {
	coord    *server.Coordinator
	detector *resolve.Detector
	registry *resolve.Registry
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	tableID  string
	userID   string
	deviceID string

	once sync.Once
	done chan struct{}
}

// NewHub wires a hub to the coordinator's committed-change hook. Call
// before the coordinator starts accepting uploads.
func NewHub(coord *server.Coordinator, detector *resolve.Detector, registry *resolve.Registry, log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		coord:    coord,
		detector: detector,
		registry: registry,
		log:      log.With().Str("component", "live").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms:  make(map[string]map[*client]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	coord.OnChange(h.broadcastChange)
	return h
}

// Handler upgrades an authenticated request into a table-room
// subscription. The table query parameter is required.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	tableID := r.URL.Query().Get("table")
	if tableID == "" {
		http.Error(w, "table query parameter is required", http.StatusBadRequest)
		return
	}
	userID := auth.UserID(r.Context())
	deviceID := auth.DeviceID(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		tableID:  tableID,
		userID:   userID,
		deviceID: deviceID,
		done:     make(chan struct{}),
	}
	h.join(c)

	h.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	room := h.rooms[c.tableID]
	if room == nil {
		room = make(map[*client]struct{})
		h.rooms[c.tableID] = room
	}
	room[c] = struct{}{}
	count := len(room)
	h.mu.Unlock()

	h.log.Info().
		Str("table", c.tableID).
		Str("user_id", c.userID).
		Str("device_id", c.deviceID).
		Int("participants", count).
		Msg("device joined table room")

	h.broadcastRoom(c.tableID, c, MsgPresence, Presence{
		UserID:   c.userID,
		DeviceID: c.deviceID,
		Action:   "joined",
		Count:    count,
	})
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	room, ok := h.rooms[c.tableID]
	count := 0
	if ok {
		delete(room, c)
		count = len(room)
		if count == 0 {
			delete(h.rooms, c.tableID)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.log.Info().
		Str("table", c.tableID).
		Str("user_id", c.userID).
		Str("device_id", c.deviceID).
		Msg("device left table room")

	h.broadcastRoom(c.tableID, nil, MsgPresence, Presence{
		UserID:   c.userID,
		DeviceID: c.deviceID,
		Action:   "left",
		Count:    count,
	})
}

// broadcastChange is the coordinator's committed-change hook. The
// originating device already holds the new state, so it is skipped.
func (h *Hub) broadcastChange(entry store.ChangeEntry) {
	msg, err := envelope(MsgRemoteChange, RemoteChange{
		EditID:    entry.ID,
		Change:    entry.Change,
		Timestamp: entry.Timestamp,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal remote change")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[entry.Change.TableID] {
		if c.deviceID != "" && c.deviceID == entry.DeviceID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.log.Warn().
				Str("device_id", c.deviceID).
				Msg("send buffer full, dropping remote change")
		}
	}
}

// broadcastRoom sends an envelope to every client in a room except the
// one passed as skip.
func (h *Hub) broadcastRoom(tableID string, skip *client, typ string, payload any) {
	msg, err := envelope(typ, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", typ).Msg("marshal broadcast")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[tableID] {
		if c == skip {
			continue
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Close tears down every room and waits for the pumps to drain.
func (h *Hub) Close() {
	h.cancel()

	h.mu.Lock()
	for _, room := range h.rooms {
		for c := range room {
			c.close()
		}
	}
	h.rooms = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	h.wg.Wait()
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) reply(typ string, payload any) {
	msg, err := envelope(typ, payload)
	if err != nil {
		c.hub.log.Error().Err(err).Str("type", typ).Msg("marshal reply")
		return
	}
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.close()
		c.conn.Close()
		c.hub.wg.Done()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn().Err(err).Str("device_id", c.deviceID).Msg("websocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(MsgError, EditAck{Error: "malformed message"})
			continue
		}
		c.dispatch(msg)
	}
}

func (c *client) dispatch(msg Message) {
	switch msg.Type {
	case MsgSubmitEdit:
		var e model.Edit
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			c.reply(MsgError, EditAck{Error: "malformed edit"})
			return
		}
		e.TableID = c.tableID
		out, conflict := c.hub.coord.ApplyEdit(c.hub.ctx, c.userID, c.deviceID, e)
		c.finish(out, conflict)

	case MsgRowOp:
		var op RowOp
		if err := json.Unmarshal(msg.Data, &op); err != nil {
			c.reply(MsgError, EditAck{Error: "malformed row operation"})
			return
		}
		op.Change.TableID = c.tableID
		out, conflict := c.hub.coord.ApplyRowOp(c.hub.ctx, c.userID, c.deviceID, op.EditID, op.Change)
		c.finish(out, conflict)

	case MsgCancelEdit:
		var cancel CancelEdit
		if err := json.Unmarshal(msg.Data, &cancel); err != nil {
			return
		}
		// Edits commit synchronously, so cancellation after submit is a
		// no-op; the client reconciles through remote changes.
		c.hub.log.Debug().
			Str("edit_id", cancel.EditID).
			Str("device_id", c.deviceID).
			Msg("cancel received after commit, ignoring")

	default:
		c.reply(MsgError, EditAck{Error: "unknown message type: " + msg.Type})
	}
}

// finish converts a coordinator outcome into the ack or conflict
// envelope owed to the submitting device.
func (c *client) finish(out server.ChangeOutcome, conflict model.Conflict) {
	switch out.Status {
	case server.OutcomeConflict:
		merged := c.hub.suggestMerged(conflict)
		c.reply(MsgConflict, ConflictEvent{
			EditID:      conflict.ID,
			TableID:     conflict.TableID,
			RowID:       conflict.RowID,
			Column:      conflict.Column,
			LocalValue:  conflict.LocalValue,
			RemoteValue: conflict.RemoteValue,
			MergedValue: merged,
			Timestamp:   conflict.Timestamp,
		})
	default:
		c.reply(MsgEditAck, EditAck{
			EditID:  out.EditID,
			Success: out.Status == server.OutcomeApplied,
			Version: out.Version,
			Error:   out.Error,
		})
	}
}

// suggestMerged runs the detector's suggested strategy to produce the
// merged value hint carried on conflict events. Strategies that decline
// automatic application fall back to the remote value.
func (h *Hub) suggestMerged(c model.Conflict) any {
	sugg := h.detector.Suggest(c)
	value, err := h.registry.Resolve(sugg.StrategyID, c)
	if err != nil {
		return c.RemoteValue
	}
	return value
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-c.hub.ctx.Done():
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
