package relay

import (
	"testing"
	"time"
)

func TestServer_InBandReconnectRequest(t *testing.T) {
	s, hs := newTestServer(t, Options{SuspendGrace: time.Minute})

	conn1 := dialTestServer(t, hs, "")
	sid := extractSessionID(t, conn1)
	_ = conn1.Close()

	session, ok := s.Session(sid)
	if !ok {
		t.Fatal("expected session to exist")
	}
	waitFor(t, func() bool { return session.State() == SessionSuspended })

	conn2 := dialTestServer(t, hs, "")
	extractSessionID(t, conn2) // fresh, anonymous session_id; ignored by this test

	writeJSON(t, conn2, wireMessage{E: EventReconnectRequest, P: Payload{"session_id": sid}, C: "rc-1"})
	w := readWireMessage(t, conn2)
	if w.E != EventSessionRestored {
		t.Fatalf("expected %s, got %q", EventSessionRestored, w.E)
	}
	if w.P["sessionId"] != sid {
		t.Fatalf("expected sessionId %q, got %+v", sid, w.P)
	}
	if session.State() != SessionActive {
		t.Fatalf("expected session active after in-band reconnect, got %v", session.State())
	}
}

func TestServer_InBandReconnectRequest_UnknownSession(t *testing.T) {
	_, hs := newTestServer(t, Options{})
	conn := dialTestServer(t, hs, "")
	extractSessionID(t, conn)

	writeJSON(t, conn, wireMessage{E: EventReconnectRequest, P: Payload{"session_id": "does-not-exist"}, C: "rc-2"})
	w := readWireMessage(t, conn)
	if w.E != EventError {
		t.Fatalf("expected %s, got %q", EventError, w.E)
	}
	if w.C != "rc-2" {
		t.Fatalf("expected correlated error, got %+v", w)
	}
	if int(w.P["code"].(float64)) != int(CodeSessionNotFound) {
		t.Fatalf("expected session-not-found code, got %+v", w.P)
	}
}
