// Package registry tracks which connections of which users are present in
// which list rooms. It is the single source of truth for presence: "is
// user U online in list L" is answered by key presence, never by a scan.
//
// Two structures are kept consistent under one mutex: the room table
// (list → user → connection set) and a reverse index (connection → list
// set) that makes disconnect cleanup proportional to the number of rooms
// that one connection joined.
package registry

import "sync"

type connSet map[string]struct{}
type listSet map[string]struct{}

// Registry is safe for concurrent use. The zero value is not usable; use New.
type Registry struct {
	mu sync.Mutex

	// rooms maps listID → userID → set of connection ids. Inner and outer
	// maps never hold empty values; emptied entries are pruned in the same
	// critical section that empties them.
	rooms map[string]map[string]connSet

	// joined maps connectionID → set of list ids that connection joined.
	// Mirrors rooms exactly: a (list, user, conn) triple exists in rooms
	// iff (conn → list) exists here.
	joined map[string]listSet

	// users maps connectionID → userID so DropConnection can walk the
	// reverse index without the caller re-supplying the user.
	users map[string]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]connSet),
		joined: make(map[string]listSet),
		users:  make(map[string]string),
	}
}

// AddConnection records that connID of userID joined listID. It returns
// true iff this is the user's first connection to this specific list, so
// callers can suppress duplicate "user joined" events for second tabs.
func (r *Registry) AddConnection(listID, userID, connID string) (isNewUser bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[listID]
	if !ok {
		room = make(map[string]connSet)
		r.rooms[listID] = room
	}
	conns, ok := room[userID]
	if !ok {
		conns = make(connSet)
		room[userID] = conns
		isNewUser = true
	}
	conns[connID] = struct{}{}

	lists, ok := r.joined[connID]
	if !ok {
		lists = make(listSet)
		r.joined[connID] = lists
	}
	lists[listID] = struct{}{}
	r.users[connID] = userID

	return isNewUser
}

// RemoveConnection removes the (listID, userID, connID) triple. It returns
// true iff the removal emptied the user's connection set for this list,
// i.e. the user is now fully offline in this room.
func (r *Registry) RemoveConnection(listID, userID, connID string) (isNowFullyOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(listID, userID, connID)
}

func (r *Registry) removeLocked(listID, userID, connID string) bool {
	room, ok := r.rooms[listID]
	if !ok {
		return false
	}
	conns, ok := room[userID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)

	offline := len(conns) == 0
	if offline {
		delete(room, userID)
	}
	if len(room) == 0 {
		delete(r.rooms, listID)
	}

	if lists, ok := r.joined[connID]; ok {
		delete(lists, listID)
		if len(lists) == 0 {
			delete(r.joined, connID)
			delete(r.users, connID)
		}
	}

	return offline
}

// OnlineUsers returns the presence snapshot for listID: every user with at
// least one live connection in the room, in no particular order.
func (r *Registry) OnlineUsers(listID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[listID]
	if len(room) == 0 {
		return nil
	}
	users := make([]string, 0, len(room))
	for userID := range room {
		users = append(users, userID)
	}
	return users
}

// Connections returns every connection id currently in listID's room,
// across all users. This is the local fan-out set.
func (r *Registry) Connections(listID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[listID]
	if len(room) == 0 {
		return nil
	}
	var conns []string
	for _, set := range room {
		for connID := range set {
			conns = append(conns, connID)
		}
	}
	return conns
}

// Departure names a room a dropped connection's user left for good.
type Departure struct {
	ListID string
	UserID string
}

// DropConnection removes connID from every room it had joined and deletes
// its reverse-index entry. It returns one Departure per room where the
// user is now fully offline, so the caller can emit "user left" events.
// Cost is O(k) in the number of rooms the connection joined.
func (r *Registry) DropConnection(connID string) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	lists, ok := r.joined[connID]
	if !ok {
		return nil
	}
	userID := r.users[connID]

	var departed []Departure
	for listID := range lists {
		if r.removeLocked(listID, userID, connID) {
			departed = append(departed, Departure{ListID: listID, UserID: userID})
		}
	}
	return departed
}

// Joined reports whether connID is currently a member of listID's room.
// Used to refuse presence queries for rooms a connection never joined.
func (r *Registry) Joined(connID, listID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.joined[connID][listID]
	return ok
}

// Rooms returns the list ids connID has joined.
func (r *Registry) Rooms(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	lists := r.joined[connID]
	if len(lists) == 0 {
		return nil
	}
	out := make([]string, 0, len(lists))
	for listID := range lists {
		out = append(out, listID)
	}
	return out
}

// ConnectionCount returns the number of connections with at least one
// joined room. Exposed for diagnostics.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.joined)
}
