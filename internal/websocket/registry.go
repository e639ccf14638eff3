package websocket

import (
	"sync"
)

// Registry tracks relay connections by user. A user may hold several
// connections at once (tabs, devices); presence follows the first and
// last of them.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]*Connection // userID -> connID -> Connection
	total int
}

func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]map[string]*Connection),
	}
}

// RegisterConnection adds conn and reports whether it is the user's
// first live connection.
func (r *Registry) RegisterConnection(conn *Connection) (bool, error) {
	if conn == nil {
		return false, ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return false, ErrConnectionNotAuthenticated
	}

	userID := conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]*Connection)
		r.users[userID] = conns
	}
	if _, dup := conns[conn.ID()]; dup {
		return false, nil
	}
	conns[conn.ID()] = conn
	r.total++
	return len(conns) == 1, nil
}

// UnregisterConnection removes conn and reports whether it was the
// user's last connection. Unknown connections are ignored.
func (r *Registry) UnregisterConnection(conn *Connection) bool {
	if conn == nil {
		return false
	}
	userID := conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, ok := conns[conn.ID()]; !ok {
		return false
	}
	delete(conns, conn.ID())
	r.total--
	if len(conns) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

// GetUserConnections returns every live connection of userID.
func (r *Registry) GetUserConnections(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// CloseAll closes every registered connection and returns how many there
// were. Entries stay until their handlers unregister them.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]*Connection, 0, r.total)
	for _, byID := range r.users {
		for _, c := range byID {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// GetStats returns registry statistics for the health endpoint.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": r.total,
		"online_users":      len(r.users),
	}
}
