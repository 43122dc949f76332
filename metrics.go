package relay

import (
	"expvar"
	"time"
)

// Metrics receives lifecycle counters from the server. A deployment
// that already ships its own telemetry implements this against
// whatever sink it uses; NopMetrics and NewExpvarMetrics cover the
// no-dependency and stdlib-expvar cases respectively.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	SessionCreated()
	SessionSuspended()
	SessionReconnected()
	SessionClosed()
	MessageDispatched(event string, d time.Duration)
	HandlerError(event string, code Code)
	RoomBroadcast(roomID string, recipients int)
}

// NopMetrics discards every call. It is the default.
type NopMetrics struct{}

func (NopMetrics) ConnectionOpened()                             {}
func (NopMetrics) ConnectionClosed()                              {}
func (NopMetrics) SessionCreated()                                {}
func (NopMetrics) SessionSuspended()                              {}
func (NopMetrics) SessionReconnected()                            {}
func (NopMetrics) SessionClosed()                                 {}
func (NopMetrics) MessageDispatched(event string, d time.Duration) {}
func (NopMetrics) HandlerError(event string, code Code)           {}
func (NopMetrics) RoomBroadcast(roomID string, recipients int)    {}

// ExpvarMetrics publishes every counter under expvar (served by
// whatever net/http mux has expvar's default handler registered, i.e.
// DefaultServeMux's "/debug/vars", same convention as the rest of the
// ecosystem's expvar-based metrics).
type ExpvarMetrics struct {
	connectionsOpened   *expvar.Int
	connectionsClosed   *expvar.Int
	sessionsCreated     *expvar.Int
	sessionsSuspended   *expvar.Int
	sessionsReconnected *expvar.Int
	sessionsClosed      *expvar.Int
	messagesDispatched  *expvar.Int
	handlerErrors       *expvar.Map
	roomBroadcasts      *expvar.Int
}

// NewExpvarMetrics publishes a fresh set of counters under the given
// namespace (e.g. "relay"). Calling it twice with the same namespace
// panics, matching expvar.Publish's own behavior; callers typically
// call it once at startup.
func NewExpvarMetrics(namespace string) *ExpvarMetrics {
	m := &ExpvarMetrics{
		connectionsOpened:   expvar.NewInt(namespace + ".connections_opened"),
		connectionsClosed:   expvar.NewInt(namespace + ".connections_closed"),
		sessionsCreated:     expvar.NewInt(namespace + ".sessions_created"),
		sessionsSuspended:   expvar.NewInt(namespace + ".sessions_suspended"),
		sessionsReconnected: expvar.NewInt(namespace + ".sessions_reconnected"),
		sessionsClosed:      expvar.NewInt(namespace + ".sessions_closed"),
		messagesDispatched:  expvar.NewInt(namespace + ".messages_dispatched"),
		handlerErrors:       expvar.NewMap(namespace + ".handler_errors"),
		roomBroadcasts:      expvar.NewInt(namespace + ".room_broadcasts"),
	}
	return m
}

func (m *ExpvarMetrics) ConnectionOpened()   { m.connectionsOpened.Add(1) }
func (m *ExpvarMetrics) ConnectionClosed()   { m.connectionsClosed.Add(1) }
func (m *ExpvarMetrics) SessionCreated()     { m.sessionsCreated.Add(1) }
func (m *ExpvarMetrics) SessionSuspended()   { m.sessionsSuspended.Add(1) }
func (m *ExpvarMetrics) SessionReconnected() { m.sessionsReconnected.Add(1) }
func (m *ExpvarMetrics) SessionClosed()      { m.sessionsClosed.Add(1) }

func (m *ExpvarMetrics) MessageDispatched(event string, d time.Duration) {
	m.messagesDispatched.Add(1)
}

func (m *ExpvarMetrics) HandlerError(event string, code Code) {
	m.handlerErrors.Add(event, 1)
}

func (m *ExpvarMetrics) RoomBroadcast(roomID string, recipients int) {
	m.roomBroadcasts.Add(1)
}
