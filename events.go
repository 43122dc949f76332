package relay

// Reserved event names (prefix "sys."). A handler registration may not
// claim any of these; the dispatcher's reservedEventPrefix check in
// dispatcher.go enforces it.
const (
	EventSessionCreated   = "sys.session.created"
	EventSessionRestored  = "sys.session.restored"
	EventSessionSuspended = "sys.session.suspended"
	EventSessionClosed    = "sys.session.closed"
	EventDisconnect       = "sys.disconnect"
	EventError            = "sys.error"
)
