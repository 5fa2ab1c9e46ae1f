package realtime

import (
	"sort"
	"sync"
)

// Rooms tracks which identities are in each order room. Membership is held per
// connection: an identity stays in a room while any of its connections has
// joined it.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]map[string]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{rooms: map[string]map[string]map[string]struct{}{}}
}

// Join reports whether the identity entered the room as a whole, meaning this
// is the first of its connections to join.
func (r *Rooms) Join(orderID, identityID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[orderID]
	if !ok {
		members = map[string]map[string]struct{}{}
		r.rooms[orderID] = members
	}
	conns, existed := members[identityID]
	if !existed {
		conns = map[string]struct{}{}
		members[identityID] = conns
	}
	conns[connID] = struct{}{}
	return !existed
}

// Leave reports whether the identity left the room as a whole. Empty rooms are dropped.
func (r *Rooms) Leave(orderID, identityID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[orderID]
	if !ok {
		return false
	}
	conns, ok := members[identityID]
	if !ok {
		return false
	}
	if _, held := conns[connID]; !held {
		return false
	}
	delete(conns, connID)
	if len(conns) > 0 {
		return false
	}
	delete(members, identityID)
	if len(members) == 0 {
		delete(r.rooms, orderID)
	}
	return true
}

// MembersOf returns the room's identities in sorted order.
func (r *Rooms) MembersOf(orderID string) []string {
	r.mu.RLock()
	members := r.rooms[orderID]
	out := make([]string, 0, len(members))
	for identityID := range members {
		out = append(out, identityID)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Rooms) IsMember(orderID, identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[orderID][identityID]
	return ok
}

func (r *Rooms) HasRoom(orderID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[orderID]
	return ok
}

// RoomsOf lists the rooms the identity is currently a member of.
func (r *Rooms) RoomsOf(identityID string) []string {
	r.mu.RLock()
	out := make([]string, 0)
	for orderID, members := range r.rooms {
		if _, ok := members[identityID]; ok {
			out = append(out, orderID)
		}
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Rooms) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
