package relay

import (
	"sync"
	"time"
)

// SessionState is a Session's lifecycle state.
type SessionState int32

const (
	SessionActive SessionState = iota
	SessionSuspended
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionSuspended:
		return "suspended"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the identity that outlives any single connection. A
// session starts active with one attached connection; losing
// that connection suspends it rather than destroying it, so that a
// reconnect within the grace window can rebind state (rooms, metadata)
// to a fresh connection. A session becomes closed only explicitly, or
// when the suspension reaper decides the grace window has elapsed.
type Session struct {
	id     string
	userID string

	mu    sync.RWMutex
	state SessionState
	conn  *Connection
	rooms map[string]struct{}
	meta  Meta

	createdAt     time.Time
	lastAttachAt  time.Time
	suspendedAt   time.Time
}

func newSession(id, userID string, conn *Connection, meta Meta) *Session {
	now := time.Now()
	s := &Session{
		id:           id,
		userID:       userID,
		state:        SessionActive,
		conn:         conn,
		rooms:        make(map[string]struct{}),
		meta:         meta,
		createdAt:    now,
		lastAttachAt: now,
	}
	if conn != nil {
		conn.setAttachedSessionID(id)
	}
	return s
}

// ID returns the session's opaque identifier. It is stable across
// reconnection.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated identity bound to this session, or
// "" if the deployment does not use one.
func (s *Session) UserID() string { return s.userID }

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Meta returns a snapshot of the session's metadata bag.
func (s *Session) Meta() Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// SetMeta merges extra into the session's metadata bag.
func (s *Session) SetMeta(extra Meta) {
	s.mu.Lock()
	s.meta = mergeMeta(s.meta, extra)
	s.mu.Unlock()
}

// Rooms returns the IDs of every room this session currently belongs to.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

func (s *Session) addRoom(id string) {
	s.mu.Lock()
	s.rooms[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeRoom(id string) {
	s.mu.Lock()
	delete(s.rooms, id)
	s.mu.Unlock()
}

func (s *Session) inRoom(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[id]
	return ok
}

// connection returns the currently attached connection, or nil while
// suspended or closed.
func (s *Session) connection() *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Send delivers msg over the attached connection. It fails with
// ErrSessionClosed if the session has been closed, or ErrConnectionClosed
// if the session is currently suspended (no connection to deliver on).
func (s *Session) Send(msg Message) error {
	s.mu.RLock()
	state := s.state
	conn := s.conn
	s.mu.RUnlock()
	switch state {
	case SessionClosed:
		return ErrSessionClosed
	case SessionSuspended:
		return ErrConnectionClosed
	}
	if conn == nil {
		return ErrConnectionClosed
	}
	return conn.Send(msg)
}

// suspend detaches the current connection (already closed by the
// caller) and moves the session into the suspended state, starting the
// reconnect grace window clock. It is a no-op if the session is already
// closed.
func (s *Session) suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return
	}
	s.state = SessionSuspended
	s.conn = nil
	s.suspendedAt = time.Now()
}

// reattach binds a fresh connection to a suspended (or active, in the
// displacement case) session and returns it to the active state.
func (s *Session) reattach(conn *Connection) {
	s.mu.Lock()
	s.state = SessionActive
	s.conn = conn
	s.lastAttachAt = time.Now()
	s.mu.Unlock()
	if conn != nil {
		conn.setAttachedSessionID(s.id)
	}
}

// suspendedFor reports how long the session has been suspended, or 0 if
// not currently suspended.
func (s *Session) suspendedFor() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != SessionSuspended {
		return 0
	}
	return time.Since(s.suspendedAt)
}

// close marks the session closed and closes its attached connection, if
// any, with the given WS close code/reason, after a best-effort
// sys.session.closed notification. Room membership bookkeeping is the
// caller's responsibility (the session registry removes the session
// from every room it belonged to).
func (s *Session) close(code int, reason string) {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = SessionClosed
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		payload := Payload{}
		if reason != "" {
			payload["reason"] = reason
		}
		_ = conn.Send(Message{Event: EventSessionClosed, Payload: payload})
		_ = conn.Close(code, reason)
	}
}
