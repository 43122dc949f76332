package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Context is the per-message handler context: it carries
// the session the inbound Message arrived on, and the operations a
// handler needs, replying, emitting an unrelated event, reporting an
// error, and broadcasting to a room, without reaching back into
// package-level state.
type Context struct {
	ctx     context.Context
	Session *Session
	rooms   *RoomManager
	now     func() time.Time

	msg Message
}

func newContext(parent context.Context, s *Session, rooms *RoomManager, msg Message) *Context {
	if parent == nil {
		parent = context.Background()
	}
	return &Context{ctx: parent, Session: s, rooms: rooms, msg: msg, now: time.Now}
}

// Context returns the context.Context the handler runs under. Server
// passes its root context, which is cancelled when the server shuts
// down; it is not cancelled when the connection the message arrived on
// closes.
func (c *Context) Context() context.Context { return c.ctx }

// Message returns the inbound Message currently being handled.
func (c *Context) Message() Message { return c.msg }

// Bind unmarshals the message payload into v (typically a pointer to a
// struct tagged with `json:"..."`).
func (c *Context) Bind(v any) error {
	data, err := json.Marshal(c.msg.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Reply sends payload back to the originating session, carrying the
// inbound message's CorrelationID so the client can match request to
// response. event defaults to the inbound event name when left empty.
func (c *Context) Reply(event string, payload Payload) error {
	if event == "" {
		event = c.msg.Event
	}
	return c.Session.Send(Message{
		Event:         event,
		Payload:       payload,
		CorrelationID: c.msg.CorrelationID,
		Timestamp:     c.now().UnixMilli(),
	})
}

// Emit sends a new, uncorrelated event to the originating session.
func (c *Context) Emit(event string, payload Payload) error {
	return c.Session.Send(Message{
		Event:     event,
		Payload:   payload,
		Timestamp: c.now().UnixMilli(),
	})
}

// Error sends a sys.error reply carrying err's stable Code, correlated
// to the inbound message. The payload shape is {code, message, details?};
// a *ValidationError carries its field name in details.field.
func (c *Context) Error(err error) error {
	payload := Payload{
		"code":    int(CodeOf(err)),
		"message": err.Error(),
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		payload["details"] = Payload{"field": ve.Field}
	}
	return c.Session.Send(Message{
		Event:         EventError,
		Payload:       payload,
		CorrelationID: c.msg.CorrelationID,
		Timestamp:     c.now().UnixMilli(),
	})
}

// BroadcastToRoom sends event/payload to every session in roomID,
// excluding the originating session when excludeSelf is true. It
// returns the number of sessions the message was actually transmitted
// to, the same count RoomManager.Broadcast returns.
func (c *Context) BroadcastToRoom(roomID, event string, payload Payload, excludeSelf bool) (int, error) {
	exclude := ""
	if excludeSelf {
		exclude = c.Session.ID()
	}
	return c.rooms.Broadcast(roomID, Message{
		Event:     event,
		Payload:   payload,
		Timestamp: c.now().UnixMilli(),
	}, exclude)
}

// Join adds the originating session to roomID.
func (c *Context) Join(roomID string) error {
	return c.rooms.Join(c.Session.ID(), roomID)
}

// Leave removes the originating session from roomID.
func (c *Context) Leave(roomID string) error {
	return c.rooms.Leave(c.Session.ID(), roomID)
}
