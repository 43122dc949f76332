package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(opts)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, hs
}

func dialTestServer(t *testing.T, hs *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWireMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return w
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func extractSessionID(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	w := readWireMessage(t, conn)
	if w.E != EventSessionCreated {
		t.Fatalf("expected %s, got %q", EventSessionCreated, w.E)
	}
	sid, _ := w.P["sessionId"].(string)
	if sid == "" {
		t.Fatal("expected non-empty sessionId")
	}
	return sid
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// Scenario: happy-path echo, a client sends an event, the handler
// replies, and the correlation id round-trips.
func TestServer_EndToEnd_HappyPathEcho(t *testing.T) {
	s, hs := newTestServer(t, Options{})
	s.Handle("echo", func(ctx *Context, msg Message) error {
		return ctx.Reply("", Payload{"echo": msg.Payload["text"]})
	})

	conn := dialTestServer(t, hs, "")
	extractSessionID(t, conn)

	writeJSON(t, conn, wireMessage{E: "echo", P: Payload{"text": "hi"}, C: "corr-1"})
	w := readWireMessage(t, conn)
	if w.E != "echo" || w.C != "corr-1" {
		t.Fatalf("unexpected reply: %+v", w)
	}
	if w.P["echo"] != "hi" {
		t.Fatalf("expected echoed text, got %+v", w.P)
	}
}

// Scenario: validation failure, a handler with a required-field schema
// rejects a payload missing that field, and the client sees sys.error.
func TestServer_EndToEnd_ValidationFailure(t *testing.T) {
	s, hs := newTestServer(t, Options{})
	s.Handle("chat.send", func(ctx *Context, msg Message) error { return nil }, WithSchema(RequireFields("text")))

	conn := dialTestServer(t, hs, "")
	extractSessionID(t, conn)

	writeJSON(t, conn, wireMessage{E: "chat.send", P: Payload{}, C: "corr-2"})
	w := readWireMessage(t, conn)
	if w.E != "sys.error" {
		t.Fatalf("expected sys.error, got %q", w.E)
	}
	if w.C != "corr-2" {
		t.Fatalf("expected correlated error, got %+v", w)
	}
	if int(w.P["code"].(float64)) != int(CodeValidationFailed) {
		t.Fatalf("expected validation code, got %+v", w.P)
	}
}

// Scenario: auth-required handler, a session with no userID is
// rejected from a RequireAuth handler.
func TestServer_EndToEnd_AuthRequiredHandler(t *testing.T) {
	s, hs := newTestServer(t, Options{})
	s.Handle("secure.op", func(ctx *Context, msg Message) error { return nil }, RequireAuth())

	conn := dialTestServer(t, hs, "")
	extractSessionID(t, conn)

	writeJSON(t, conn, wireMessage{E: "secure.op", C: "corr-3"})
	w := readWireMessage(t, conn)
	if w.E != "sys.error" {
		t.Fatalf("expected sys.error, got %q", w.E)
	}
	if int(w.P["code"].(float64)) != int(CodeAuthRequired) {
		t.Fatalf("expected auth-required code, got %+v", w.P)
	}
}

// Scenario: reconnection restores rooms, a client joins a room, its
// connection drops (suspending the session), and a fresh connection
// presenting the same session id via the handshake query parameter
// recovers the room membership without rejoining.
func TestServer_EndToEnd_ReconnectionRestoresRooms(t *testing.T) {
	s, hs := newTestServer(t, Options{SuspendGrace: time.Minute})
	s.Handle("room.join", func(ctx *Context, msg Message) error {
		room, _ := msg.Payload["room"].(string)
		return ctx.Join(room)
	})

	conn1 := dialTestServer(t, hs, "")
	sid := extractSessionID(t, conn1)
	writeJSON(t, conn1, wireMessage{E: "room.join", P: Payload{"room": "lobby"}})

	session, ok := s.Session(sid)
	if !ok {
		t.Fatal("expected session to exist")
	}
	waitFor(t, func() bool { return len(session.Rooms()) == 1 })

	_ = conn1.Close()
	waitFor(t, func() bool { return session.State() == SessionSuspended })

	conn2 := dialTestServer(t, hs, "?session_id="+sid)
	w := readWireMessage(t, conn2)
	if w.E != EventSessionRestored {
		t.Fatalf("expected %s, got %q", EventSessionRestored, w.E)
	}
	if w.P["sessionId"] != sid {
		t.Fatalf("expected sessionId %q, got %+v", sid, w.P)
	}
	rooms, _ := w.P["rooms"].([]any)
	if len(rooms) != 1 || rooms[0] != "lobby" {
		t.Fatalf("expected rooms:[lobby] on sys.session.restored, got %+v", w.P)
	}

	if session.State() != SessionActive {
		t.Fatalf("expected active after reconnect, got %v", session.State())
	}
	memberRooms := session.Rooms()
	if len(memberRooms) != 1 || memberRooms[0] != "lobby" {
		t.Fatalf("expected room membership to survive reconnect, got %v", memberRooms)
	}
}

// Scenario: duplicate reconnection displacement, a second connection
// claiming a session id that is still live (never suspended) sends the
// first connection sys.disconnect and then closes it with
// CloseSessionDuplicate.
func TestServer_EndToEnd_DuplicateReconnectionDisplacement(t *testing.T) {
	_, hs := newTestServer(t, Options{})

	conn1 := dialTestServer(t, hs, "")
	sid := extractSessionID(t, conn1)

	conn2 := dialTestServer(t, hs, "?session_id="+sid)
	_ = readWireMessage(t, conn2) // sys.session.restored

	if w := readWireMessage(t, conn1); w.E != EventDisconnect {
		t.Fatalf("expected %s on the displaced connection, got %q", EventDisconnect, w.E)
	}
	_ = conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn1.ReadMessage()
	if err == nil {
		t.Fatal("expected the displaced connection to be closed")
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != CloseSessionDuplicate {
		t.Fatalf("expected CloseSessionDuplicate, got %d", closeErr.Code)
	}
}

// failingAuthenticator always rejects the credential it is handed, for
// exercising the auth-failed handshake path.
type failingAuthenticator struct{}

func (failingAuthenticator) Authenticate(_ context.Context, _ string) (AuthResult, error) {
	return AuthResult{}, ErrAuthFailed
}

// Scenario: require-auth handshake, a deployment with RequireAuth set
// upgrades the connection before rejecting a tokenless handshake with
// the auth-required WS close code rather than a bare HTTP 401.
func TestServer_EndToEnd_RequireAuthRejectsTokenlessHandshake(t *testing.T) {
	_, hs := newTestServer(t, Options{RequireAuth: true})

	conn := dialTestServer(t, hs, "")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the handshake to be rejected")
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != CloseAuthRequired {
		t.Fatalf("expected CloseAuthRequired, got %d", closeErr.Code)
	}
}

// Scenario: optional auth, a deployment with RequireAuth false (the
// default) accepts a connection that presents no token at all, even
// with a real Authenticator configured, since the Authenticator is
// never invoked without a token to check.
func TestServer_EndToEnd_OptionalAuthAllowsTokenlessHandshake(t *testing.T) {
	_, hs := newTestServer(t, Options{Authenticator: failingAuthenticator{}})

	conn := dialTestServer(t, hs, "")
	extractSessionID(t, conn)
}

// Scenario: auth-failed handshake, a token that fails Authenticate
// closes the (already upgraded) connection with the auth-failed WS
// close code.
func TestServer_EndToEnd_AuthFailureClosesWithCloseAuthFailed(t *testing.T) {
	_, hs := newTestServer(t, Options{Authenticator: failingAuthenticator{}})

	conn := dialTestServer(t, hs, "?token=bad")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the handshake to be rejected")
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != CloseAuthFailed {
		t.Fatalf("expected CloseAuthFailed, got %d", closeErr.Code)
	}
}

// Scenario: heartbeat suspension, a session that stops responding to
// sys.ping is suspended by the heartbeat monitor.
func TestServer_EndToEnd_HeartbeatSuspendsUnresponsiveSession(t *testing.T) {
	s, hs := newTestServer(t, Options{HeartbeatInterval: 20 * time.Millisecond, HeartbeatTimeout: 40 * time.Millisecond})

	conn := dialTestServer(t, hs, "")
	sid := extractSessionID(t, conn)
	session, ok := s.Session(sid)
	if !ok {
		t.Fatal("expected session to exist")
	}

	waitFor(t, func() bool { return session.State() == SessionSuspended })
}
