// Package room is the realtime core: it orchestrates the join/leave
// lifecycle of connections, relays validated domain events to room
// members on this and every other instance, and mirrors events to the
// CRUD API as persisted notifications.
package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/shoplist/listsyncd/internal/logctx"
	"github.com/shoplist/listsyncd/listapi"
	"github.com/shoplist/listsyncd/ratelimit"
	"github.com/shoplist/listsyncd/registry"
	"github.com/shoplist/listsyncd/relay"
)

// AccessAPI is the slice of the CRUD API the hub needs: fail-closed
// access checks and best-effort notification persistence. Satisfied by
// *listapi.Client.
type AccessAPI interface {
	VerifyMembership(ctx context.Context, listID, token string) bool
	ResolveRole(ctx context.Context, listID, userID, token string) listapi.Role
	CreateNotification(ctx context.Context, n listapi.Notification, token string) error
}

// Hub owns the process-wide realtime state: the connection registry, the
// rate-limit table and the set of live clients. One Hub per process.
type Hub struct {
	log     *slog.Logger
	reg     *registry.Registry
	limiter *ratelimit.Limiter
	relay   relay.Relay
	api     AccessAPI

	presenceBatchLimit int

	mu      sync.Mutex
	clients map[string]*Client            // conn id → client
	byUser  map[string]map[string]*Client // user id → conn id → client
}

// HubConfig wires the Hub's collaborators.
type HubConfig struct {
	Logger             *slog.Logger
	Registry           *registry.Registry
	Limiter            *ratelimit.Limiter
	Relay              relay.Relay
	API                AccessAPI
	PresenceBatchLimit int
}

// NewHub constructs a Hub. All collaborators are required.
func NewHub(cfg HubConfig) *Hub {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	limit := cfg.PresenceBatchLimit
	if limit <= 0 {
		limit = 50
	}
	return &Hub{
		log:                log,
		reg:                cfg.Registry,
		limiter:            cfg.Limiter,
		relay:              cfg.Relay,
		api:                cfg.API,
		presenceBatchLimit: limit,
		clients:            make(map[string]*Client),
		byUser:             make(map[string]map[string]*Client),
	}
}

// Register adds a freshly authenticated client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	conns, ok := h.byUser[c.identity.UserID]
	if !ok {
		conns = make(map[string]*Client)
		h.byUser[c.identity.UserID] = conns
	}
	conns[c.ID] = c
}

// Unregister runs the disconnect cleanup path: registry drop, departure
// broadcasts, rate-limit counter removal. Registry state is updated
// before any "left" event is emitted. Safe to call more than once.
func (h *Hub) Unregister(ctx context.Context, c *Client) {
	h.mu.Lock()
	_, known := h.clients[c.ID]
	delete(h.clients, c.ID)
	if conns, ok := h.byUser[c.identity.UserID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.byUser, c.identity.UserID)
		}
	}
	h.mu.Unlock()
	if !known {
		return
	}

	departures := h.reg.DropConnection(c.ID)
	h.limiter.Forget(c.ID)

	for _, dep := range departures {
		frame, err := newFrame(EvtPresenceLeft, presenceDeltaPayload{
			ListID:   dep.ListID,
			UserID:   dep.UserID,
			UserName: c.identity.DisplayName(),
		})
		if err != nil {
			continue
		}
		h.broadcastRoom(dep.ListID, c.ID, frame)
	}
	h.log.DebugContext(ctx, "connection dropped", slog.Int("rooms_departed", len(departures)))
}

// broadcastRoom delivers frame to every connection in listID's room
// except excludeConn. Slow consumers drop the frame rather than blocking
// the caller.
func (h *Hub) broadcastRoom(listID, excludeConn string, frame Frame) {
	conns := h.reg.Connections(listID)
	if len(conns) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, connID := range conns {
		if connID == excludeConn {
			continue
		}
		if c, ok := h.clients[connID]; ok {
			c.enqueue(frame)
		}
	}
}

// sendTo delivers frame to a single connection if it is still live.
func (h *Hub) sendTo(connID string, frame Frame) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	h.mu.Unlock()
	if ok {
		c.enqueue(frame)
	}
}

// forceDisconnectUser closes every local connection held by userID
// through the normal disconnect path. Triggered by a user:deleted relay
// event when the account is removed elsewhere in the system.
func (h *Hub) forceDisconnectUser(ctx context.Context, userID string) {
	h.mu.Lock()
	var victims []*Client
	for _, c := range h.byUser[userID] {
		victims = append(victims, c)
	}
	h.mu.Unlock()

	for _, c := range victims {
		h.log.InfoContext(ctx, "forcing disconnect of deleted user",
			slog.String("user_id", userID), slog.String("conn_id", c.ID))
		c.Close()
		h.Unregister(ctx, c)
	}
}

// RunRelayIntake consumes the cross-instance relay until ctx is done and
// dispatches each inbound event to the matching local broadcast.
func (h *Hub) RunRelayIntake(ctx context.Context) error {
	return h.relay.Subscribe(ctx, h.handleRelayEvent)
}

// handleRelayEvent re-emits an event that originated on another instance
// to locally connected room members. user:deleted is the one kind that
// mutates registry state, indirectly via the disconnect path.
func (h *Hub) handleRelayEvent(ctx context.Context, ev relay.Event) {
	ctx = logctx.WithEventData(ctx, &logctx.EventData{Name: ev.Kind, ListID: ev.ListID})

	if ev.Kind == relay.KindUserDeleted {
		h.forceDisconnectUser(ctx, ev.UserID)
		return
	}

	var outbound string
	switch ev.Kind {
	case relay.KindProductAdded:
		outbound = EvtProductAdded
	case relay.KindProductToggled:
		outbound = EvtProductToggled
	case relay.KindProductDeleted:
		outbound = EvtProductDeleted
	case relay.KindNotification:
		outbound = EvtNotification
	default:
		h.log.DebugContext(ctx, "relay: unknown event kind dropped")
		return
	}
	if ev.ListID == "" {
		h.log.WarnContext(ctx, "relay: event without list id dropped")
		return
	}
	h.broadcastRoom(ev.ListID, "", Frame{Event: outbound, Data: ev.Payload})
}

// publishRelay fans the event out to other instances. Failure degrades
// cross-instance delivery only and is logged, never surfaced.
func (h *Hub) publishRelay(ctx context.Context, kind, listID string, c *Client, payload json.RawMessage) {
	ev := relay.Event{
		Kind:     kind,
		ListID:   listID,
		UserID:   c.identity.UserID,
		UserName: c.identity.DisplayName(),
		Payload:  payload,
	}
	if err := h.relay.Publish(ctx, ev); err != nil {
		h.log.WarnContext(ctx, "relay publish failed", slog.String("error", err.Error()))
	}
}

// persistNotification mirrors an already-broadcast event to the CRUD API
// as a durable notification record. Best effort, at most once: failure is
// logged and never rolls back the live broadcast. The call is detached
// from the connection's lifetime; a disconnect does not cancel it.
func (h *Hub) persistNotification(ctx context.Context, c *Client, n listapi.Notification) {
	ctx = context.WithoutCancel(ctx)
	token := c.token
	go func() {
		if err := h.api.CreateNotification(ctx, n, token); err != nil {
			h.log.WarnContext(ctx, "notification persistence failed",
				slog.String("list_id", n.ListID),
				slog.String("event_type", n.EventType),
				slog.String("error", err.Error()))
		}
	}()
}

// RelayHealthy reports the relay subscription state for diagnostics.
func (h *Hub) RelayHealthy() bool { return h.relay.Healthy() }

// ConnectionCount reports the number of registered clients.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
