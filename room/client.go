package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shoplist/listsyncd/auth"
	"github.com/shoplist/listsyncd/internal/logctx"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	// Outbound queue depth per connection. A full queue drops frames;
	// live delivery is best effort and the client resyncs over REST.
	sendQueueSize = 64
)

// Conn is the transport surface the client pumps need. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	Close() error
}

// Client is one live duplex session. Its identity is fixed at handshake;
// its joined-room set lives in the hub's registry.
type Client struct {
	ID string

	hub      *Hub
	conn     Conn
	identity *auth.Identity
	token    string
	send     chan Frame
	log      *slog.Logger

	closeOnce sync.Once
}

// NewClient wraps an authenticated transport connection.
func NewClient(hub *Hub, conn Conn, identity *auth.Identity, token string) *Client {
	id := uuid.NewString()
	return &Client{
		ID:       id,
		hub:      hub,
		conn:     conn,
		identity: identity,
		token:    token,
		send:     make(chan Frame, sendQueueSize),
		log:      hub.log,
	}
}

// handlerFunc handles one inbound event for a client.
type handlerFunc func(h *Hub, ctx context.Context, c *Client, data json.RawMessage)

// dispatch maps inbound event names to handlers. Events outside this
// table are dropped.
var dispatch = map[string]handlerFunc{
	EvtRoomJoin:      (*Hub).handleJoin,
	EvtRoomLeave:     (*Hub).handleLeave,
	EvtPresenceQuery: (*Hub).handlePresenceQuery,
	EvtProductAdd:    (*Hub).handleProductAdd,
	EvtProductToggle: (*Hub).handleProductToggle,
	EvtProductDelete: (*Hub).handleProductDelete,
	EvtMemberRemove:  (*Hub).handleMemberRemove,
	EvtListUpdate:    (*Hub).handleListUpdate,
	EvtNotify:        (*Hub).handleNotify,
}

// ReadPump reads frames from the peer and dispatches them in order until
// the connection dies, then runs the disconnect cleanup path. Events from
// one connection are processed strictly sequentially.
func (c *Client) ReadPump(ctx context.Context) {
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnID:   c.ID,
		UserID:   c.identity.UserID,
		UserName: c.identity.DisplayName(),
	})
	defer func() {
		c.hub.Unregister(ctx, c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.DebugContext(ctx, "read error", slog.String("error", err.Error()))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			c.log.DebugContext(ctx, "dropping unparseable frame")
			continue
		}

		handler, ok := dispatch[frame.Event]
		if !ok {
			c.log.DebugContext(ctx, "dropping unknown event", slog.String("name", frame.Event))
			continue
		}
		evCtx := logctx.WithEventData(ctx, &logctx.EventData{Name: frame.Event})
		handler(c.hub, evCtx, c, frame.Data)
	}
}

// WritePump drains the send queue to the peer and keeps the connection
// alive with pings.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues frame for delivery, dropping it if the peer is slow.
func (c *Client) enqueue(frame Frame) {
	select {
	case c.send <- frame:
	default:
		// Slow consumer; the client reconciles over REST.
	}
}

// Close tears down the transport. Idempotent; the read pump's exit then
// drives Unregister.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
