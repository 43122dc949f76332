package relay

import "encoding/json"

// EventReconnectRequest is the reserved reconnection event. A client
// that already holds a session ID from a previous connection may
// either present it during the handshake (query parameter, see
// bindSession) or, for a connection that was established before the ID
// is known client-side, send EventReconnectRequest once connected.
const EventReconnectRequest = "sys.reconnect.request"

// reconnectPayload is the expected shape of a sys.reconnect.request
// payload.
type reconnectPayload struct {
	SessionID string `json:"session_id"`
}

// attemptReconnect rebinds conn to the session named by sessionID and
// emits sys.session.restored on it. It is the single choke point both
// the handshake-time path (server.go) and the in-band
// sys.reconnect.request handler go through, so displacement (a second
// connection claiming the same session id closes the first with
// CloseSessionDuplicate) happens identically either way.
func (srv *Server) attemptReconnect(sessionID string, conn *Connection) (*Session, error) {
	s, err := srv.sessions.reconnect(sessionID, conn)
	if err != nil {
		return nil, err
	}
	srv.heartbeat.touch(s.ID())

	rooms := s.Rooms()
	roomList := make([]string, len(rooms))
	copy(roomList, rooms)
	payload := Payload{"sessionId": s.ID(), "rooms": roomList, "metadata": s.Meta()}
	if uid := s.UserID(); uid != "" {
		payload["userId"] = uid
	}
	_ = conn.Send(Message{Event: EventSessionRestored, Payload: payload})
	return s, nil
}

// handleReconnectRequest processes an in-band reconnect request. The
// connection it arrives on is already bound to the fresh session the
// handshake created for it. On success attemptReconnect has already sent
// sys.session.restored and the caller serves the connection under the
// restored session; on failure the caller reports the error through the
// normal sys.error path and the connection stays open, bound to its
// current session.
func (srv *Server) handleReconnectRequest(conn *Connection, msg Message) (*Session, error) {
	var p reconnectPayload
	data, _ := json.Marshal(msg.Payload)
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return nil, ErrInvalidMessage
	}
	return srv.attemptReconnect(p.SessionID, conn)
}
