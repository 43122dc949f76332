package relay

import (
	"strings"
	"sync"
)

// HandlerFunc processes one inbound Message for a session.
type HandlerFunc func(ctx *Context, msg Message) error

// Middleware wraps a HandlerFunc with cross-cutting behavior (logging,
// metrics, rate limiting). Middlewares registered via Dispatcher.Use
// run, in registration order, around every handler before the matched
// handler itself runs.
type Middleware func(HandlerFunc) HandlerFunc

// Schema validates a Message's payload before the handler runs.
// SchemaFunc adapts a plain function.
type Schema interface {
	Validate(Payload) error
}

// SchemaFunc adapts a function to Schema.
type SchemaFunc func(Payload) error

func (f SchemaFunc) Validate(p Payload) error { return f(p) }

// HandlerOption configures a handler registration.
type HandlerOption func(*handlerEntry)

// RequireAuth marks a handler as only reachable by a session with a
// non-empty UserID.
func RequireAuth() HandlerOption {
	return func(h *handlerEntry) { h.requiresAuth = true }
}

// WithSchema attaches payload validation to a handler registration.
func WithSchema(s Schema) HandlerOption {
	return func(h *handlerEntry) { h.schema = s }
}

// WithVersions restricts a handler registration to the given protocol
// versions. Omitting it (the default) makes the registration a fallback
// for its event name: it serves any version that no version-restricted
// registration of the same event name matches.
func WithVersions(versions ...string) HandlerOption {
	return func(h *handlerEntry) { h.versions = append([]string(nil), versions...) }
}

type handlerEntry struct {
	fn           HandlerFunc
	requiresAuth bool
	schema       Schema
	versions     []string // empty means "any version"
}

func (h *handlerEntry) matchesVersion(v string) bool {
	if len(h.versions) == 0 {
		return true
	}
	for _, want := range h.versions {
		if want == v {
			return true
		}
	}
	return false
}

// reservedEventPrefix marks the namespace of protocol-internal events
// (ping/pong, reconnect, error) that a handler registration may not
// claim; events prefixed sys. are reserved.
const reservedEventPrefix = "sys."

// Dispatcher routes inbound Messages to registered handlers by event
// name, running the middleware chain and the auth/schema gates first.
type Dispatcher struct {
	mu          sync.RWMutex
	handlers    map[string][]*handlerEntry
	middlewares []Middleware
}

func newDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]*handlerEntry)}
}

// Use registers a global middleware. Order of registration is the
// order of execution, outermost first.
func (d *Dispatcher) Use(mw Middleware) {
	d.mu.Lock()
	d.middlewares = append(d.middlewares, mw)
	d.mu.Unlock()
}

// Handle registers fn for event. Multiple registrations may coexist for
// the same event name, distinguished by WithVersions; see lookup for
// the selection rule applied at dispatch time. event may not start with
// "sys.".
func (d *Dispatcher) Handle(event string, fn HandlerFunc, opts ...HandlerOption) {
	if strings.HasPrefix(event, reservedEventPrefix) {
		panic("relay: cannot register handler for reserved event " + event)
	}
	h := &handlerEntry{fn: fn}
	for _, opt := range opts {
		opt(h)
	}
	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], h)
	d.mu.Unlock()
}

// lookup selects the registration for event matching version: a
// registration whose supported-versions include version wins; failing
// that, a registration with no version restriction is used as the
// fallback. If every registration for event is version-specific and
// none matches, lookup reports not-found.
func (d *Dispatcher) lookup(event, version string) (*handlerEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entries, ok := d.handlers[event]
	if !ok {
		return nil, false
	}
	var fallback *handlerEntry
	for _, h := range entries {
		if len(h.versions) == 0 {
			if fallback == nil {
				fallback = h
			}
			continue
		}
		if h.matchesVersion(version) {
			return h, true
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}

// dispatchError wraps an error produced by the dispatcher's terminal
// step (handler lookup, the auth gate, schema validation, or the
// handler itself) so the caller can tell it apart from an error a
// middleware returns directly without calling next: per the dispatch
// ordering below, a middleware that blocks is responsible for its own
// reply and dispatch ends silently, while a dispatchError should still
// be turned into a sys.error reply.
type dispatchError struct{ err error }

func (e *dispatchError) Error() string { return e.err.Error() }
func (e *dispatchError) Unwrap() error { return e.err }

// dispatch runs the middleware chain first, unconditionally, around a
// terminal step that performs lookup, the auth gate, schema validation,
// and the handler invocation in order. A middleware may short-circuit
// before the terminal step ever runs.
func (d *Dispatcher) dispatch(ctx *Context, msg Message) error {
	terminal := func(ctx *Context, msg Message) error {
		h, ok := d.lookup(msg.Event, msg.Version)
		if !ok {
			return &dispatchError{ErrHandlerNotFound}
		}
		if h.requiresAuth && ctx.Session.UserID() == "" {
			return &dispatchError{ErrAuthRequired}
		}
		if h.schema != nil {
			if err := h.schema.Validate(msg.Payload); err != nil {
				if _, ok := err.(*ValidationError); ok {
					return &dispatchError{err}
				}
				return &dispatchError{&ValidationError{Field: msg.Event}}
			}
		}
		// A panicking handler is reported as ErrInternal.
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = ErrInternal
				}
			}()
			return h.fn(ctx, msg)
		}()
		if err != nil {
			return &dispatchError{err}
		}
		return nil
	}

	d.mu.RLock()
	chain := HandlerFunc(terminal)
	for i := len(d.middlewares) - 1; i >= 0; i-- {
		chain = d.middlewares[i](chain)
	}
	d.mu.RUnlock()

	return chain(ctx, msg)
}
