package relay

import (
	"context"
	"sync"
	"time"
)

// sessionRegistry owns every Session, indexed by ID and by user, and
// enforces that reconnection and displacement happen as a
// single atomic rebind: a session is attached to at most one connection
// at any instant, and a displaced connection is always closed.
type sessionRegistry struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byUser map[string]map[string]struct{}

	suspendGrace time.Duration

	// onRemove is invoked (outside the registry lock) exactly once when a
	// session is permanently closed, whether explicitly or via the
	// suspension reaper. Rooms wiring uses this to drop membership.
	onRemove func(*Session)
}

func newSessionRegistry(suspendGrace time.Duration) *sessionRegistry {
	return &sessionRegistry{
		byID:         make(map[string]*Session),
		byUser:       make(map[string]map[string]struct{}),
		suspendGrace: suspendGrace,
	}
}

func (r *sessionRegistry) create(id, userID string, conn *Connection, meta Meta) *Session {
	s := newSession(id, userID, conn, meta)
	r.mu.Lock()
	r.byID[id] = s
	if userID != "" {
		set := r.byUser[userID]
		if set == nil {
			set = make(map[string]struct{})
			r.byUser[userID] = set
		}
		set[id] = struct{}{}
	}
	r.mu.Unlock()
	return s
}

func (r *sessionRegistry) get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// byUserID returns every non-closed session belonging to userID.
func (r *sessionRegistry) byUserID(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]*Session, 0, len(set))
	for id := range set {
		if s, ok := r.byID[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// activeSessions returns every session currently in the active state,
// i.e. with a live attached connection. Used by the heartbeat loop.
func (r *sessionRegistry) activeSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		if s.State() == SessionActive {
			out = append(out, s)
		}
	}
	return out
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// suspend transitions a session to suspended after its connection has
// dropped. The registry keeps the session indexed so a later reconnect
// can find it.
func (r *sessionRegistry) suspend(id string) {
	r.mu.RLock()
	s, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.suspend()
}

// reconnect rebinds conn to the session identified by id. If the
// session currently holds a different live connection (it never
// suspended, the client opened a second socket claiming the same
// session), that connection is displaced: once the new one has taken
// over it is sent sys.disconnect and closed with CloseSessionDuplicate.
// The closed check and the swap of the attached connection happen under
// the session's own lock, so at most one connection is attached per
// session id at any instant, and of two concurrent reconnects the one
// that swaps second displaces and closes the other's connection.
func (r *sessionRegistry) reconnect(id string, conn *Connection) (*Session, error) {
	r.mu.RLock()
	s, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	old := s.conn
	s.state = SessionActive
	s.conn = conn
	s.lastAttachAt = time.Now()
	s.mu.Unlock()
	conn.setAttachedSessionID(s.id)
	if old != nil && old != conn {
		_ = old.Send(Message{Event: EventDisconnect, Payload: Payload{"reason": "replaced_by_reconnection"}})
		_ = old.Close(CloseSessionDuplicate, "displaced by reconnect")
	}
	return s, nil
}

// closeSession permanently closes a session, removes it from the
// registry, and fires onRemove.
func (r *sessionRegistry) closeSession(id string, code int, reason string) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		if s.userID != "" {
			if set := r.byUser[s.userID]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(r.byUser, s.userID)
				}
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.close(code, reason)
	if r.onRemove != nil {
		r.onRemove(s)
	}
}

// reap runs until ctx is done, periodically closing sessions that have
// been suspended longer than suspendGrace.
func (r *sessionRegistry) reap(ctx context.Context, interval time.Duration) {
	if r.suspendGrace <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *sessionRegistry) reapOnce() {
	r.mu.RLock()
	expired := make([]string, 0)
	for id, s := range r.byID {
		if d := s.suspendedFor(); d > 0 && d >= r.suspendGrace {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range expired {
		r.closeSession(id, CloseSessionExpired, "suspension grace window elapsed")
	}
}
