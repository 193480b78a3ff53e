package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shoplist/listsyncd/auth"
	"github.com/shoplist/listsyncd/listapi"
	"github.com/shoplist/listsyncd/ratelimit"
	"github.com/shoplist/listsyncd/registry"
	"github.com/shoplist/listsyncd/relay"
)

// fakeConn satisfies Conn for tests that never run the pumps.
type fakeConn struct{}

func (fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, errors.New("closed") }
func (fakeConn) WriteMessage(int, []byte) error    { return nil }
func (fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (fakeConn) SetReadLimit(int64)                {}
func (fakeConn) SetPongHandler(func(string) error) {}
func (fakeConn) Close() error                      { return nil }

// fakeAPI records every call so tests can assert on what was (not)
// attempted.
type fakeAPI struct {
	mu    sync.Mutex
	allow bool
	role  listapi.Role

	membershipChecks int
	notified         chan listapi.Notification
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{allow: true, role: listapi.RoleMember, notified: make(chan listapi.Notification, 16)}
}

func (f *fakeAPI) VerifyMembership(ctx context.Context, listID, token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.membershipChecks++
	return f.allow
}

func (f *fakeAPI) ResolveRole(ctx context.Context, listID, userID, token string) listapi.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.role
}

func (f *fakeAPI) CreateNotification(ctx context.Context, n listapi.Notification, token string) error {
	f.notified <- n
	return nil
}

// fakeRelay captures published events synchronously.
type fakeRelay struct {
	mu     sync.Mutex
	events []relay.Event
}

func (f *fakeRelay) Publish(ctx context.Context, ev relay.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRelay) Subscribe(ctx context.Context, h relay.Handler) error {
	<-ctx.Done()
	return nil
}

func (f *fakeRelay) Healthy() bool { return true }
func (f *fakeRelay) Close() error  { return nil }

func (f *fakeRelay) published() []relay.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relay.Event(nil), f.events...)
}

func newTestHub(t *testing.T) (*Hub, *fakeAPI, *fakeRelay) {
	t.Helper()
	api := newFakeAPI()
	rel := &fakeRelay{}
	h := NewHub(HubConfig{
		Registry:           registry.New(),
		Limiter:            ratelimit.New(10*time.Second, 50),
		Relay:              rel,
		API:                api,
		PresenceBatchLimit: 50,
	})
	return h, api, rel
}

func newTestClient(h *Hub, userID, name string) *Client {
	c := NewClient(h, fakeConn{}, &auth.Identity{UserID: userID, Name: name}, "tok-"+userID)
	h.Register(c)
	return c
}

func join(t *testing.T, h *Hub, c *Client, listID string) {
	t.Helper()
	h.handleJoin(context.Background(), c, mustJSON(t, joinPayload{ListID: listID}))
	if !h.reg.Joined(c.ID, listID) {
		t.Fatalf("client %s failed to join %s", c.ID, listID)
	}
	drainFrames(c)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// recvFrame pops the next queued frame and fails if its event differs.
func recvFrame(t *testing.T, c *Client, event string) Frame {
	t.Helper()
	select {
	case f := <-c.send:
		if f.Event != event {
			t.Fatalf("expected frame %q, got %q (data %s)", event, f.Event, f.Data)
		}
		return f
	default:
		t.Fatalf("no frame queued; expected %q", event)
		return Frame{}
	}
}

func expectNoFrames(t *testing.T, c *Client) {
	t.Helper()
	select {
	case f := <-c.send:
		t.Fatalf("unexpected frame %q (data %s)", f.Event, f.Data)
	default:
	}
}

func drainFrames(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func TestJoin_SnapshotAndDelta(t *testing.T) {
	h, _, _ := newTestHub(t)
	other := newTestClient(h, "bob", "Bob")
	join(t, h, other, "l1")

	c := newTestClient(h, "alice", "Alice")
	h.handleJoin(context.Background(), c, mustJSON(t, joinPayload{ListID: "l1"}))

	snap := recvFrame(t, c, EvtPresenceState)
	var state presenceStatePayload
	if err := json.Unmarshal(snap.Data, &state); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if state.ListID != "l1" || len(state.Users) != 2 {
		t.Fatalf("expected snapshot of 2 users in l1, got %+v", state)
	}

	delta := recvFrame(t, other, EvtPresenceJoined)
	var d presenceDeltaPayload
	json.Unmarshal(delta.Data, &d)
	if d.UserID != "alice" {
		t.Fatalf("expected alice in joined delta, got %+v", d)
	}
}

func TestJoin_SecondTabSuppressesDelta(t *testing.T) {
	h, _, _ := newTestHub(t)
	other := newTestClient(h, "bob", "Bob")
	join(t, h, other, "l1")

	tab1 := newTestClient(h, "alice", "Alice")
	join(t, h, tab1, "l1")
	drainFrames(other)

	tab2 := newTestClient(h, "alice", "Alice")
	h.handleJoin(context.Background(), tab2, mustJSON(t, joinPayload{ListID: "l1"}))

	recvFrame(t, tab2, EvtPresenceState)
	expectNoFrames(t, other)
}

func TestJoin_Denied(t *testing.T) {
	h, api, _ := newTestHub(t)
	api.allow = false

	other := newTestClient(h, "bob", "Bob")
	c := newTestClient(h, "alice", "Alice")
	h.handleJoin(context.Background(), c, mustJSON(t, joinPayload{ListID: "l1"}))

	if h.reg.Joined(c.ID, "l1") {
		t.Fatal("denied join must not register the connection")
	}
	if got := h.reg.OnlineUsers("l1"); got != nil {
		t.Fatalf("denied join must leave no presence, got %v", got)
	}

	ef := recvFrame(t, c, EvtError)
	var ep errorPayload
	json.Unmarshal(ef.Data, &ep)
	if ep.Code != codeAccessDenied {
		t.Fatalf("expected access_denied, got %q", ep.Code)
	}
	expectNoFrames(t, other)
}

func TestJoin_MalformedListID(t *testing.T) {
	h, api, _ := newTestHub(t)
	c := newTestClient(h, "alice", "Alice")

	h.handleJoin(context.Background(), c, mustJSON(t, joinPayload{ListID: ""}))
	h.handleJoin(context.Background(), c, json.RawMessage(`{"listId": 42}`))

	api.mu.Lock()
	checks := api.membershipChecks
	api.mu.Unlock()
	if checks != 0 {
		t.Fatal("malformed join must be dropped before the access check")
	}
	expectNoFrames(t, c)
}

func TestLeave_LastTabBroadcastsLeft(t *testing.T) {
	h, _, _ := newTestHub(t)
	other := newTestClient(h, "bob", "Bob")
	join(t, h, other, "l1")

	tab1 := newTestClient(h, "alice", "Alice")
	tab2 := newTestClient(h, "alice", "Alice")
	join(t, h, tab1, "l1")
	join(t, h, tab2, "l1")
	drainFrames(other)

	h.handleLeave(context.Background(), tab1, mustJSON(t, joinPayload{ListID: "l1"}))
	expectNoFrames(t, other)

	h.handleLeave(context.Background(), tab2, mustJSON(t, joinPayload{ListID: "l1"}))
	left := recvFrame(t, other, EvtPresenceLeft)
	var d presenceDeltaPayload
	json.Unmarshal(left.Data, &d)
	if d.UserID != "alice" {
		t.Fatalf("expected alice in left delta, got %+v", d)
	}
}

func TestDisconnect_BroadcastsLeftPerRoom(t *testing.T) {
	h, _, _ := newTestHub(t)
	b1 := newTestClient(h, "bob", "Bob")
	b2 := newTestClient(h, "bob", "Bob")
	join(t, h, b1, "l1")
	join(t, h, b2, "l2")

	c := newTestClient(h, "alice", "Alice")
	join(t, h, c, "l1")
	join(t, h, c, "l2")
	drainFrames(b1)
	drainFrames(b2)

	h.Unregister(context.Background(), c)

	recvFrame(t, b1, EvtPresenceLeft)
	recvFrame(t, b2, EvtPresenceLeft)

	if h.reg.Joined(c.ID, "l1") || h.reg.Joined(c.ID, "l2") {
		t.Fatal("dropped connection must be absent from the registry")
	}
	if h.ConnectionCount() != 2 {
		t.Fatalf("expected 2 remaining clients, got %d", h.ConnectionCount())
	}
}

func TestPresenceQuery_OnlyJoinedRooms(t *testing.T) {
	h, _, _ := newTestHub(t)
	c := newTestClient(h, "alice", "Alice")
	join(t, h, c, "l1")

	h.handlePresenceQuery(context.Background(), c, mustJSON(t, presenceQueryPayload{
		ListIDs: []string{"l1", "l2"},
	}))

	f := recvFrame(t, c, EvtPresenceState)
	var state presenceStatePayload
	json.Unmarshal(f.Data, &state)
	if state.ListID != "l1" {
		t.Fatalf("expected snapshot for l1 only, got %+v", state)
	}
	// l2 was never joined: no result, no error.
	expectNoFrames(t, c)
}

func TestPresenceQuery_BatchCap(t *testing.T) {
	h, _, _ := newTestHub(t)
	h.presenceBatchLimit = 2

	c := newTestClient(h, "alice", "Alice")
	join(t, h, c, "l1")
	join(t, h, c, "l2")
	join(t, h, c, "l3")

	h.handlePresenceQuery(context.Background(), c, mustJSON(t, presenceQueryPayload{
		ListIDs: []string{"l1", "l2", "l3"},
	}))

	recvFrame(t, c, EvtPresenceState)
	recvFrame(t, c, EvtPresenceState)
	expectNoFrames(t, c) // third id silently truncated
}

func TestProductAdd_FanOutRelayAndPersist(t *testing.T) {
	h, api, rel := newTestHub(t)
	origin := newTestClient(h, "alice", "Alice")
	peer := newTestClient(h, "bob", "Bob")
	join(t, h, origin, "l1")
	join(t, h, peer, "l1")
	drainFrames(origin)
	drainFrames(peer)

	h.handleProductAdd(context.Background(), origin, mustJSON(t, productAddPayload{
		ListID: "l1", ProductID: "p1", Name: "milk", Quantity: 2,
	}))

	// Origin is excluded; it already has authoritative local state.
	expectNoFrames(t, origin)

	f := recvFrame(t, peer, EvtProductAdded)
	var out productEventPayload
	json.Unmarshal(f.Data, &out)
	if out.ProductID != "p1" || out.Name != "milk" || out.Quantity != 2 || out.UserID != "alice" {
		t.Fatalf("unexpected broadcast payload %+v", out)
	}

	events := rel.published()
	if len(events) != 1 || events[0].Kind != relay.KindProductAdded || events[0].ListID != "l1" {
		t.Fatalf("expected one product:added relay event, got %+v", events)
	}

	select {
	case n := <-api.notified:
		if n.EventType != EvtProductAdded || n.ProductName != "milk" {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification persistence never attempted")
	}
}

func TestProductAdd_MalformedDropped(t *testing.T) {
	h, api, rel := newTestHub(t)
	origin := newTestClient(h, "alice", "Alice")
	peer := newTestClient(h, "bob", "Bob")
	join(t, h, origin, "l1")
	join(t, h, peer, "l1")
	drainFrames(peer)

	// Empty name fails structural validation.
	h.handleProductAdd(context.Background(), origin, mustJSON(t, productAddPayload{
		ListID: "l1", ProductID: "p1", Name: "",
	}))
	// Negative quantity likewise.
	h.handleProductAdd(context.Background(), origin, mustJSON(t, productAddPayload{
		ListID: "l1", ProductID: "p1", Name: "milk", Quantity: -1,
	}))
	// Non-boolean checked field fails decoding.
	h.handleProductToggle(context.Background(), origin, json.RawMessage(
		`{"listId":"l1","productId":"p1","name":"milk","checked":"yes"}`))

	expectNoFrames(t, peer)
	if got := rel.published(); len(got) != 0 {
		t.Fatalf("malformed events must not reach the relay, got %+v", got)
	}
	select {
	case n := <-api.notified:
		t.Fatalf("malformed events must not be persisted, got %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProductAdd_UnjoinedRoomDropped(t *testing.T) {
	h, api, rel := newTestHub(t)
	bystander := newTestClient(h, "bob", "Bob")
	join(t, h, bystander, "l1")
	drainFrames(bystander)

	forger := newTestClient(h, "mallory", "Mallory")
	h.handleProductAdd(context.Background(), forger, mustJSON(t, productAddPayload{
		ListID: "l1", ProductID: "p1", Name: "milk",
	}))

	expectNoFrames(t, bystander)
	if got := rel.published(); len(got) != 0 {
		t.Fatalf("forged events must not reach the relay, got %+v", got)
	}
	select {
	case n := <-api.notified:
		t.Fatalf("forged events must not be persisted, got %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemberRemove_RequiresPrivilegedRole(t *testing.T) {
	h, api, _ := newTestHub(t)
	api.role = listapi.RoleMember

	origin := newTestClient(h, "alice", "Alice")
	peer := newTestClient(h, "bob", "Bob")
	join(t, h, origin, "l1")
	join(t, h, peer, "l1")
	drainFrames(origin)
	drainFrames(peer)

	h.handleMemberRemove(context.Background(), origin, mustJSON(t, memberRemovePayload{
		ListID: "l1", MemberID: "bob",
	}))

	recvFrame(t, origin, EvtError)
	expectNoFrames(t, peer)
}

func TestMemberRemove_Privileged(t *testing.T) {
	h, api, rel := newTestHub(t)
	api.role = listapi.RoleOwner

	origin := newTestClient(h, "alice", "Alice")
	peer := newTestClient(h, "bob", "Bob")
	join(t, h, origin, "l1")
	join(t, h, peer, "l1")
	drainFrames(peer)

	h.handleMemberRemove(context.Background(), origin, mustJSON(t, memberRemovePayload{
		ListID: "l1", MemberID: "bob",
	}))

	f := recvFrame(t, peer, EvtMemberRemoved)
	var out memberRemovedPayload
	json.Unmarshal(f.Data, &out)
	if out.MemberID != "bob" || out.ActorID != "alice" {
		t.Fatalf("unexpected payload %+v", out)
	}
	if got := rel.published(); len(got) != 1 || got[0].Kind != relay.KindNotification {
		t.Fatalf("expected one notification relay event, got %+v", got)
	}
}

func TestRateLimit_DropsOverBudget(t *testing.T) {
	h, _, rel := newTestHub(t)
	h.limiter = ratelimit.New(10*time.Second, 3)

	origin := newTestClient(h, "alice", "Alice")
	peer := newTestClient(h, "bob", "Bob")
	join(t, h, origin, "l1") // consumes one admit
	join(t, h, peer, "l1")
	drainFrames(peer)

	for i := 0; i < 5; i++ {
		h.handleNotify(context.Background(), origin, mustJSON(t, notifyPayload{
			ListID: "l1", Message: "ping",
		}))
	}

	// Budget 3 with one admit spent on join leaves 2 notifications.
	recvFrame(t, peer, EvtNotification)
	recvFrame(t, peer, EvtNotification)
	expectNoFrames(t, peer)
	if got := rel.published(); len(got) != 2 {
		t.Fatalf("expected 2 relayed events under the budget, got %d", len(got))
	}
}

func TestRelayIntake_BroadcastsToLocalRoom(t *testing.T) {
	h, _, _ := newTestHub(t)
	c := newTestClient(h, "bob", "Bob")
	join(t, h, c, "l1")

	payload := mustJSON(t, productEventPayload{
		ListID: "l1", ProductID: "p1", Name: "milk", UserID: "alice",
	})
	h.handleRelayEvent(context.Background(), relay.Event{
		Kind: relay.KindProductAdded, ListID: "l1", UserID: "alice", Payload: payload,
	})

	f := recvFrame(t, c, EvtProductAdded)
	var out productEventPayload
	json.Unmarshal(f.Data, &out)
	if out.ProductID != "p1" {
		t.Fatalf("unexpected payload %+v", out)
	}
}

func TestRelayIntake_UnknownKindDropped(t *testing.T) {
	h, _, _ := newTestHub(t)
	c := newTestClient(h, "bob", "Bob")
	join(t, h, c, "l1")

	h.handleRelayEvent(context.Background(), relay.Event{
		Kind: "mystery", ListID: "l1", UserID: "alice",
	})
	expectNoFrames(t, c)
}

func TestRelayIntake_UserDeletedForcesDisconnect(t *testing.T) {
	h, _, _ := newTestHub(t)
	tab1 := newTestClient(h, "alice", "Alice")
	tab2 := newTestClient(h, "alice", "Alice")
	other := newTestClient(h, "bob", "Bob")
	join(t, h, tab1, "l1")
	join(t, h, tab1, "l2")
	join(t, h, tab2, "l1")
	join(t, h, other, "l1")
	drainFrames(other)

	h.handleRelayEvent(context.Background(), relay.Event{
		Kind: relay.KindUserDeleted, UserID: "alice",
	})

	if h.ConnectionCount() != 1 {
		t.Fatalf("expected only bob to survive, got %d connections", h.ConnectionCount())
	}
	for _, listID := range []string{"l1", "l2"} {
		for _, u := range h.reg.OnlineUsers(listID) {
			if u == "alice" {
				t.Fatalf("alice still present in %s after user:deleted", listID)
			}
		}
	}
	recvFrame(t, other, EvtPresenceLeft)
}
