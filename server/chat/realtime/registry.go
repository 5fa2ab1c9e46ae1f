package realtime

import (
	"sort"
	"sync"

	"permit_server/server/chat/domain"
)

// Conn is one live client connection. Send must not block.
type Conn interface {
	ID() string
	Send(ev Event) bool
	Close()
}

// Registry maps identities to their live connections and back.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]map[string]Conn
	owners map[string]domain.Identity
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  map[string]map[string]Conn{},
		owners: map[string]domain.Identity{},
	}
}

// Register is idempotent for an already registered connection.
func (r *Registry) Register(identity domain.Identity, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[identity.ID]
	if !ok {
		set = map[string]Conn{}
		r.conns[identity.ID] = set
	}
	set[conn.ID()] = conn
	r.owners[conn.ID()] = identity
}

// Unregister removes the connection and drops the identity entry once its last
// connection is gone. It reports whether the identity went offline.
func (r *Registry) Unregister(identityID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, connID)
	set, ok := r.conns[identityID]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.conns, identityID)
		return true
	}
	return false
}

func (r *Registry) IsOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[identityID]) > 0
}

// ConnectionsFor returns the identity's connections ordered by connection id.
func (r *Registry) ConnectionsFor(identityID string) []Conn {
	r.mu.RLock()
	set := r.conns[identityID]
	out := make([]Conn, 0, len(set))
	for _, conn := range set {
		out = append(out, conn)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) IdentityOf(connID string) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.owners[connID]
	return identity, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

func (r *Registry) OnlineIdentities() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) all() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.owners))
	for _, set := range r.conns {
		for _, conn := range set {
			out = append(out, conn)
		}
	}
	return out
}
