package relay

import "sync"

// connRegistry tracks every currently-open Connection, independent of
// session attachment. It exists so the server can enumerate and close
// all sockets on shutdown, and so metrics can report open-connection
// counts without walking the session registry (a connection may exist
// briefly before a session is attached, during handshake/auth).
type connRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[string]*Connection)}
}

func (r *connRegistry) add(c *Connection) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
}

func (r *connRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

func (r *connRegistry) get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *connRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// closeAll closes every tracked connection with the given code/reason.
// Used during server shutdown.
func (r *connRegistry) closeAll(code int, reason string) {
	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()
	for _, c := range snapshot {
		_ = c.Close(code, reason)
	}
}
