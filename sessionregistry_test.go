package relay

import (
	"context"
	"testing"
	"time"
)

func TestSessionRegistry_CreateAndGet(t *testing.T) {
	_, conn := newTestConnectionPair(t)
	reg := newSessionRegistry(time.Minute)
	s := reg.create("s1", "user-1", conn, nil)
	got, ok := reg.get("s1")
	if !ok || got != s {
		t.Fatal("expected to find the created session by ID")
	}
	users := reg.byUserID("user-1")
	if len(users) != 1 || users[0] != s {
		t.Fatalf("expected one session for user-1, got %v", users)
	}
}

func TestSessionRegistry_Reconnect_RebindsSuspendedSession(t *testing.T) {
	_, conn1 := newTestConnectionPair(t)
	_, conn2 := newTestConnectionPair(t)
	reg := newSessionRegistry(time.Minute)
	s := reg.create("s1", "", conn1, nil)
	s.suspend()

	got, err := reg.reconnect("s1", conn2)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got != s {
		t.Fatal("expected reconnect to return the same session")
	}
	if s.State() != SessionActive {
		t.Fatalf("expected active after reconnect, got %v", s.State())
	}
}

func TestSessionRegistry_Reconnect_UnknownSessionFails(t *testing.T) {
	_, conn := newTestConnectionPair(t)
	reg := newSessionRegistry(time.Minute)
	if _, err := reg.reconnect("nope", conn); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionRegistry_Reconnect_DisplacesLiveConnection(t *testing.T) {
	_, conn1 := newTestConnectionPair(t)
	_, conn2 := newTestConnectionPair(t)
	reg := newSessionRegistry(time.Minute)
	s := reg.create("s1", "", conn1, nil)

	// conn1 is still active (never suspended) when conn2 claims the
	// same session id: conn1 must be displaced.
	if _, err := reg.reconnect("s1", conn2); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	select {
	case <-conn1.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected displaced connection to be closed")
	}
	if conn1.CloseCode() != CloseSessionDuplicate {
		t.Fatalf("expected CloseSessionDuplicate, got %d", conn1.CloseCode())
	}
	if s.connection() != conn2 {
		t.Fatal("expected the session to now be attached to conn2")
	}
}

func TestSessionRegistry_CloseSession_RemovesFromIndexesAndFiresOnRemove(t *testing.T) {
	_, conn := newTestConnectionPair(t)
	reg := newSessionRegistry(time.Minute)
	reg.create("s1", "user-1", conn, nil)

	var removed *Session
	reg.onRemove = func(s *Session) { removed = s }

	reg.closeSession("s1", CloseNormal, "bye")

	if _, ok := reg.get("s1"); ok {
		t.Fatal("expected session to be removed from the id index")
	}
	if users := reg.byUserID("user-1"); len(users) != 0 {
		t.Fatal("expected session to be removed from the user index")
	}
	if removed == nil || removed.ID() != "s1" {
		t.Fatal("expected onRemove to fire with the closed session")
	}
}

func TestSessionRegistry_Reap_ClosesExpiredSuspendedSessions(t *testing.T) {
	_, conn := newTestConnectionPair(t)
	reg := newSessionRegistry(20 * time.Millisecond)
	s := reg.create("s1", "", conn, nil)
	s.suspend()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go reg.reap(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if s.State() == SessionClosed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected suspended session to be reaped after grace window elapsed")
}
