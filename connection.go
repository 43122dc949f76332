package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is a Connection's lifecycle state.
type ConnState int32

const (
	ConnActive ConnState = iota
	ConnClosed
)

// Connection wraps a single upgraded socket. It owns the
// socket exclusively: the registry only holds a reference for iteration
// and close-on-shutdown. A connection's state becomes ConnClosed exactly
// once, whether the close was requested locally or happened because the
// remote end went away.
//
// Send writes to the gorilla/websocket connection synchronously under a
// write mutex (required because *websocket.Conn does not support
// concurrent writers), so it blocks until the frame is written or the
// write timeout expires. Inbound validated Messages arrive on a
// buffered channel fed by a dedicated read pump goroutine.
type Connection struct {
	id    string
	ws    *websocket.Conn
	codec Codec

	writeMu sync.Mutex
	state   atomicConnState

	inboundCh chan Message
	errCh     chan error
	doneCh    chan struct{}
	closeOnce sync.Once
	closeCode int

	connectedAt time.Time
	readLimit   int64

	mu        sync.RWMutex
	sessionID string // nullable attached-session back-reference
}

type atomicConnState struct {
	mu sync.RWMutex
	v  ConnState
}

func (a *atomicConnState) Load() ConnState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.v
}

func (a *atomicConnState) Store(v ConnState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v = v
}

const (
	defaultReadLimit    = 32 * 1024
	defaultWriteTimeout = 5 * time.Second
	defaultPongWait     = 90 * time.Second
)

func newConnection(id string, ws *websocket.Conn, codec Codec, readLimit int64) *Connection {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	c := &Connection{
		id:          id,
		ws:          ws,
		codec:       codec,
		inboundCh:   make(chan Message, 64),
		errCh:       make(chan error, 16),
		doneCh:      make(chan struct{}),
		connectedAt: time.Now(),
		readLimit:   readLimit,
	}
	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(defaultPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	return c
}

// ID returns the connection's opaque identifier.
func (c *Connection) ID() string { return c.id }

// State returns the connection's current state.
func (c *Connection) State() ConnState { return c.state.Load() }

// IsClosed reports whether Close has completed.
func (c *Connection) IsClosed() bool { return c.state.Load() == ConnClosed }

// ConnectedAt returns when the connection was established.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// AttachedSessionID returns the session this connection currently
// believes it belongs to, or "" if none.
func (c *Connection) AttachedSessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Connection) setAttachedSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Inbound returns the stream of validated inbound Messages. Frames that
// fail to parse are never delivered here; see Errors.
func (c *Connection) Inbound() <-chan Message { return c.inboundCh }

// Errors returns the stream of per-frame decode errors. A bad frame
// never terminates the connection.
func (c *Connection) Errors() <-chan error { return c.errCh }

// Done completes once the connection has fully closed.
func (c *Connection) Done() <-chan struct{} { return c.doneCh }

// Send serializes and writes msg as a text frame.
func (c *Connection) Send(msg Message) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw writes data verbatim as a text frame.
func (c *Connection) SendRaw(data []byte) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close closes the connection exactly once, sending a close frame with
// code/reason first on a best-effort basis.
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		c.writeMu.Unlock()
		err = c.ws.Close()
		c.state.Store(ConnClosed)
		close(c.doneCh)
	})
	return err
}

// CloseCode returns the code the connection was closed with, or 0 if
// still open.
func (c *Connection) CloseCode() int { return c.closeCode }

// readPump decodes inbound text frames and feeds Inbound/Errors until the
// socket errors out, at which point it closes the connection and returns.
// Run this in its own goroutine; it is the only reader of c.ws.
func (c *Connection) readPump() {
	defer c.Close(CloseNormal, "")
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(defaultPongWait))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		msg, decErr := c.codec.Decode(data)
		if decErr != nil {
			select {
			case c.errCh <- decErr:
			default:
			}
			continue
		}
		select {
		case c.inboundCh <- msg:
		case <-c.doneCh:
			return
		}
	}
}
