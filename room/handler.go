package room

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/shoplist/listsyncd/listapi"
	"github.com/shoplist/listsyncd/relay"
)

type validatable interface {
	Validate() error
}

// decode unmarshals and structurally validates an inbound payload.
// Malformed payloads are dropped and logged, never forwarded.
func (h *Hub) decode(ctx context.Context, data json.RawMessage, p validatable) bool {
	if err := json.Unmarshal(data, p); err != nil {
		h.log.WarnContext(ctx, "dropping malformed payload", slog.String("error", err.Error()))
		return false
	}
	if err := p.Validate(); err != nil {
		h.log.WarnContext(ctx, "dropping malformed payload", slog.String("error", err.Error()))
		return false
	}
	return true
}

// admit applies the per-connection rate limit. Rejected events vanish
// silently; erroring the connection would invite reconnect storms.
func (h *Hub) admit(ctx context.Context, c *Client) bool {
	if h.limiter.Admit(c.ID) {
		return true
	}
	h.log.DebugContext(ctx, "rate limited, dropping event")
	return false
}

// requireJoined verifies the emitting connection is actually a member of
// the target room, so events cannot be forged into rooms never joined.
func (h *Hub) requireJoined(ctx context.Context, c *Client, listID string) bool {
	if h.reg.Joined(c.ID, listID) {
		return true
	}
	h.log.WarnContext(ctx, "dropping event for unjoined room", slog.String("list_id", listID))
	return false
}

// handleJoin admits the connection into a list's room: rate limit, input
// shape, then the fail-closed membership check against the CRUD API. On
// approval the requester gets a full presence snapshot; the rest of the
// room gets an incremental "joined" event only if this is the user's
// first connection to the room.
func (h *Hub) handleJoin(ctx context.Context, c *Client, data json.RawMessage) {
	if !h.admit(ctx, c) {
		return
	}
	var p joinPayload
	if !h.decode(ctx, data, &p) {
		return
	}

	if !h.api.VerifyMembership(ctx, p.ListID, c.token) {
		// Denial is silent to the room; only the requester hears of it.
		h.log.InfoContext(ctx, "join denied", slog.String("list_id", p.ListID))
		if f, err := newFrame(EvtError, errorPayload{Code: codeAccessDenied, ListID: p.ListID}); err == nil {
			c.enqueue(f)
		}
		return
	}

	isNewUser := h.reg.AddConnection(p.ListID, c.identity.UserID, c.ID)

	if snap, err := newFrame(EvtPresenceState, presenceStatePayload{
		ListID: p.ListID,
		Users:  h.reg.OnlineUsers(p.ListID),
	}); err == nil {
		c.enqueue(snap)
	}

	if isNewUser {
		if f, err := newFrame(EvtPresenceJoined, presenceDeltaPayload{
			ListID:   p.ListID,
			UserID:   c.identity.UserID,
			UserName: c.identity.DisplayName(),
		}); err == nil {
			h.broadcastRoom(p.ListID, c.ID, f)
		}
	}
	h.log.InfoContext(ctx, "joined room", slog.String("list_id", p.ListID), slog.Bool("new_user", isNewUser))
}

// handleLeave removes the connection from a room. The room hears "left"
// only once the user's last connection is gone.
func (h *Hub) handleLeave(ctx context.Context, c *Client, data json.RawMessage) {
	var p joinPayload
	if !h.decode(ctx, data, &p) {
		return
	}

	if h.reg.RemoveConnection(p.ListID, c.identity.UserID, c.ID) {
		if f, err := newFrame(EvtPresenceLeft, presenceDeltaPayload{
			ListID:   p.ListID,
			UserID:   c.identity.UserID,
			UserName: c.identity.DisplayName(),
		}); err == nil {
			h.broadcastRoom(p.ListID, c.ID, f)
		}
	}
}

// handlePresenceQuery answers presence snapshots, but only for rooms this
// connection actually joined; a connection cannot probe the online status
// of lists it has no access to. The batch is capped by policy, extra ids
// silently dropped.
func (h *Hub) handlePresenceQuery(ctx context.Context, c *Client, data json.RawMessage) {
	if !h.admit(ctx, c) {
		return
	}
	var p presenceQueryPayload
	if !h.decode(ctx, data, &p) {
		return
	}

	listIDs := p.ListIDs
	if len(listIDs) > h.presenceBatchLimit {
		listIDs = listIDs[:h.presenceBatchLimit]
	}
	for _, listID := range listIDs {
		if !h.reg.Joined(c.ID, listID) {
			continue
		}
		if f, err := newFrame(EvtPresenceState, presenceStatePayload{
			ListID: listID,
			Users:  h.reg.OnlineUsers(listID),
		}); err == nil {
			c.enqueue(f)
		}
	}
}

func (h *Hub) handleProductAdd(ctx context.Context, c *Client, data json.RawMessage) {
	if !h.admit(ctx, c) {
		return
	}
	var p productAddPayload
	if !h.decode(ctx, data, &p) {
		return
	}
	if !h.requireJoined(ctx, c, p.ListID) {
		return
	}

	frame, err := newFrame(EvtProductAdded, productEventPayload{
		ListID:    p.ListID,
		ProductID: p.ProductID,
		Name:      p.Name,
		Quantity:  p.Quantity,
		UserID:    c.identity.UserID,
		UserName:  c.identity.DisplayName(),
	})
	if err != nil {
		return
	}
	h.broadcastRoom(p.ListID, c.ID, frame)
	h.publishRelay(ctx, relay.KindProductAdded, p.ListID, c, frame.Data)
	h.persistNotification(ctx, c, listapi.Notification{
		ListID:      p.ListID,
		EventType:   EvtProductAdded,
		ActorID:     c.identity.UserID,
		ActorName:   c.identity.DisplayName(),
		ProductID:   p.ProductID,
		ProductName: p.Name,
	})
}

func (h *Hub) handleProductToggle(ctx context.Context, c *Client, data json.RawMessage) {
	if !h.admit(ctx, c) {
		return
	}
	var p productTogglePayload
	if !h.decode(ctx, data, &p) {
		return
	}
	if !h.requireJoined(ctx, c, p.ListID) {
		return
	}

	frame, err := newFrame(EvtProductToggled, productEventPayload{
		ListID:    p.ListID,
		ProductID: p.ProductID,
		Name:      p.Name,
		Checked:   p.Checked,
		UserID:    c.identity.UserID,
		UserName:  c.identity.DisplayName(),
	})
	if err != nil {
		return
	}
	h.broadcastRoom(p.ListID, c.ID, frame)
	h.publishRelay(ctx, relay.KindProductToggled, p.ListID, c, frame.Data)
	h.persistNotification(ctx, c, listapi.Notification{
		ListID:      p.ListID,
		EventType:   EvtProductToggled,
		ActorID:     c.identity.UserID,
		ActorName:   c.identity.DisplayName(),
		ProductID:   p.ProductID,
		ProductName: p.Name,
	})
}

func (h *Hub) handleProductDelete(ctx context.Context, c *Client, data json.RawMessage) {
	if !h.admit(ctx, c) {
		return
	}
	var p productDeletePayload
	if !h.decode(ctx, data, &p) {
		return
	}
	if !h.requireJoined(ctx, c, p.ListID) {
		return
	}

	frame, err := newFrame(EvtProductDeleted, productEventPayload{
		ListID:    p.ListID,
		ProductID: p.ProductID,
		Name:      p.Name,
		UserID:    c.identity.UserID,
		UserName:  c.identity.DisplayName(),
	})
	if err != nil {
		return
	}
	h.broadcastRoom(p.ListID, c.ID, frame)
	h.publishRelay(ctx, relay.KindProductDeleted, p.ListID, c, frame.Data)
	h.persistNotification(ctx, c, listapi.Notification{
		ListID:      p.ListID,
		EventType:   EvtProductDeleted,
		ActorID:     c.identity.UserID,
		ActorName:   c.identity.DisplayName(),
		ProductID:   p.ProductID,
		ProductName: p.Name,
	})
}

// handleMemberRemove is the one privileged domain event: the actor's role
// is resolved against the CRUD API and must be owner or admin. Role
// resolution fails closed.
func (h *Hub) handleMemberRemove(ctx context.Context, c *Client, data json.RawMessage) {
	if !h.admit(ctx, c) {
		return
	}
	var p memberRemovePayload
	if !h.decode(ctx, data, &p) {
		return
	}
	if !h.requireJoined(ctx, c, p.ListID) {
		return
	}

	role := h.api.ResolveRole(ctx, p.ListID, c.identity.UserID, c.token)
	if !role.Privileged() {
		h.log.InfoContext(ctx, "member removal denied",
			slog.String("list_id", p.ListID), slog.String("role", string(role)))
		if f, err := newFrame(EvtError, errorPayload{Code: codeAccessDenied, ListID: p.ListID}); err == nil {
			c.enqueue(f)
		}
		return
	}

	frame, err := newFrame(EvtMemberRemoved, memberRemovedPayload{
		ListID:    p.ListID,
		MemberID:  p.MemberID,
		ActorID:   c.identity.UserID,
		ActorName: c.identity.DisplayName(),
	})
	if err != nil {
		return
	}
	h.broadcastRoom(p.ListID, c.ID, frame)

	// Cross-instance viewers get this as a notification; their canonical
	// membership state comes from the REST API on resync.
	if payload, err := json.Marshal(notificationPayload{
		ListID:    p.ListID,
		EventType: EvtMemberRemoved,
		UserID:    c.identity.UserID,
		UserName:  c.identity.DisplayName(),
	}); err == nil {
		h.publishRelay(ctx, relay.KindNotification, p.ListID, c, payload)
	}
	h.persistNotification(ctx, c, listapi.Notification{
		ListID:    p.ListID,
		EventType: EvtMemberRemoved,
		ActorID:   c.identity.UserID,
		ActorName: c.identity.DisplayName(),
	})
}

func (h *Hub) handleListUpdate(ctx context.Context, c *Client, data json.RawMessage) {
	if !h.admit(ctx, c) {
		return
	}
	var p listUpdatePayload
	if !h.decode(ctx, data, &p) {
		return
	}
	if !h.requireJoined(ctx, c, p.ListID) {
		return
	}

	frame, err := newFrame(EvtListUpdated, listUpdatedPayload{
		ListID:   p.ListID,
		Name:     p.Name,
		UserID:   c.identity.UserID,
		UserName: c.identity.DisplayName(),
	})
	if err != nil {
		return
	}
	h.broadcastRoom(p.ListID, c.ID, frame)

	if payload, err := json.Marshal(notificationPayload{
		ListID:    p.ListID,
		EventType: EvtListUpdated,
		Message:   p.Name,
		UserID:    c.identity.UserID,
		UserName:  c.identity.DisplayName(),
	}); err == nil {
		h.publishRelay(ctx, relay.KindNotification, p.ListID, c, payload)
	}
	h.persistNotification(ctx, c, listapi.Notification{
		ListID:    p.ListID,
		EventType: EvtListUpdated,
		ActorID:   c.identity.UserID,
		ActorName: c.identity.DisplayName(),
	})
}

func (h *Hub) handleNotify(ctx context.Context, c *Client, data json.RawMessage) {
	if !h.admit(ctx, c) {
		return
	}
	var p notifyPayload
	if !h.decode(ctx, data, &p) {
		return
	}
	if !h.requireJoined(ctx, c, p.ListID) {
		return
	}

	frame, err := newFrame(EvtNotification, notificationPayload{
		ListID:    p.ListID,
		EventType: EvtNotification,
		Message:   p.Message,
		UserID:    c.identity.UserID,
		UserName:  c.identity.DisplayName(),
	})
	if err != nil {
		return
	}
	h.broadcastRoom(p.ListID, c.ID, frame)
	h.publishRelay(ctx, relay.KindNotification, p.ListID, c, frame.Data)
	h.persistNotification(ctx, c, listapi.Notification{
		ListID:    p.ListID,
		EventType: EvtNotification,
		ActorID:   c.identity.UserID,
		ActorName: c.identity.DisplayName(),
	})
}
