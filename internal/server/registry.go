package server

import (
	"sync"
	"time"

	"github.com/carsomyr/dapper/internal/transport"
)

// ClientInfo is the scheduler's view of one connected client. Address and
// Domain arrive with the announce event; until then the client exists but
// cannot be placed.
type ClientInfo struct {
	Conn     *transport.Conn
	Address  string // announced peer-stream dial address
	Domain   string // placement domain identifier
	Busy     bool
	LastSeen time.Time
}

// Announced reports whether the client has identified itself.
func (c *ClientInfo) Announced() bool {
	return c.Address != ""
}

// Registry tracks connected clients by their control connection. The accept
// loop and the scheduler loop touch it from different goroutines, so every
// method locks.
type Registry struct {
	mu      sync.RWMutex
	clients map[*transport.Conn]*ClientInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[*transport.Conn]*ClientInfo)}
}

// Add records a freshly accepted connection.
func (r *Registry) Add(conn *transport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[conn] = &ClientInfo{Conn: conn, LastSeen: time.Now()}
}

// Announce fills in the client's dial address and domain. Returns false when
// the connection is no longer registered.
func (r *Registry) Announce(conn *transport.Conn, address, domain string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.clients[conn]
	if !ok {
		return false
	}
	info.Address = address
	info.Domain = domain
	info.LastSeen = time.Now()
	return true
}

// Remove drops the connection and returns its info, nil when unknown.
func (r *Registry) Remove(conn *transport.Conn) *ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.clients[conn]
	if !ok {
		return nil
	}
	delete(r.clients, conn)
	return info
}

// Get returns the client's info, nil when unknown.
func (r *Registry) Get(conn *transport.Conn) *ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.clients[conn]
}

// SetBusy marks the client as holding or not holding an assignment.
func (r *Registry) SetBusy(conn *transport.Conn, busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.clients[conn]; ok {
		info.Busy = busy
	}
}

// Touch refreshes the client's last-seen timestamp.
func (r *Registry) Touch(conn *transport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.clients[conn]; ok {
		info.LastSeen = time.Now()
	}
}

// Available returns the announced, idle clients. The slice is a snapshot and
// safe to mutate; the pointed-to infos are live.
func (r *Registry) Available() []*ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	available := make([]*ClientInfo, 0, len(r.clients))
	for _, info := range r.clients {
		if info.Announced() && !info.Busy {
			available = append(available, info)
		}
	}
	return available
}

// Conns returns every registered control connection.
func (r *Registry) Conns() []*transport.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*transport.Conn, 0, len(r.clients))
	for conn := range r.clients {
		conns = append(conns, conn)
	}
	return conns
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// Counts returns total and idle client counts in one pass.
func (r *Registry) Counts() (total, idle int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, info := range r.clients {
		total++
		if info.Announced() && !info.Busy {
			idle++
		}
	}
	return total, idle
}
