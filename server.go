package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// Options configures a Server. Every field has a workable zero value;
// New fills in the defaults documented per field.
type Options struct {
	// Codec encodes/decodes wire messages. Defaults to NewJSONCodec().
	Codec Codec
	// Authenticator verifies the handshake credential. Defaults to
	// accepting every connection anonymously. It is only invoked when
	// TokenExtractor actually returns a non-empty token, so a deployment
	// with RequireAuth false accepts anonymous connections even with a
	// real Authenticator configured.
	Authenticator Authenticator
	// TokenExtractor pulls the credential out of the upgrade request.
	// Defaults to DefaultTokenExtractor.
	TokenExtractor TokenExtractor
	// RequireAuth rejects a handshake that presents no token at all. The
	// WebSocket upgrade still completes first; the connection is then
	// closed with CloseAuthRequired. Defaults to false (auth optional).
	RequireAuth bool
	// Origins controls which Origin header values may complete the
	// handshake. The zero value rejects no origin (equivalent to
	// AllowAllOrigins()), matching a non-browser-only deployment; set it
	// explicitly for browser-facing servers.
	Origins OriginPolicy
	// PubSub fans room broadcasts out to other nodes. Nil means
	// single-node (rooms stay local).
	PubSub PubSub
	// Metrics receives lifecycle counters. Defaults to NopMetrics.
	Metrics Metrics
	// SyncNotifier is told about session lifecycle transitions (see
	// SyncNotifier for which ones). Defaults to dropping every event.
	SyncNotifier SyncNotifier
	// Logger receives structured lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger
	// IDGenerator produces session/connection IDs. Defaults to a
	// uuid.NewString-backed generator.
	IDGenerator IDGenerator
	// ReadLimit caps a single inbound frame's size, in bytes. Defaults to
	// 32KiB.
	ReadLimit int64
	// HeartbeatInterval is how often an idle session receives a sys.ping.
	// Defaults to 30s when zero. A negative value disables heartbeating
	// entirely.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a session may go without traffic
	// before it is suspended. Defaults to 3x HeartbeatInterval.
	HeartbeatTimeout time.Duration
	// SuspendGrace is how long a suspended session is kept around,
	// eligible for reconnection, before being closed permanently.
	// Defaults to 60s.
	SuspendGrace time.Duration
	// RoomCapacity caps members per room; 0 means unlimited.
	RoomCapacity int
	// NodeID identifies this process to PubSub, so it can ignore its own
	// publications. Defaults to a generated ID.
	NodeID string
	// PreShutdownDelay is slept after Listen begins draining and before
	// calling http.Server.Shutdown, giving load balancers time to notice
	// the readiness flip. Defaults to 1s.
	PreShutdownDelay time.Duration
	// ShutdownTimeout bounds how long Listen's graceful drain waits
	// before forcibly closing remaining connections. Defaults to 15s.
	ShutdownTimeout time.Duration
}

// Server is the WebSocket backend facade: it owns the upgrade endpoint,
// every session and room, and the dispatcher handlers are registered
// against.
type Server struct {
	codec          Codec
	auth           Authenticator
	tokenExtractor TokenExtractor
	requireAuth    bool
	origins        OriginPolicy
	metrics        Metrics
	sync           SyncNotifier
	logger         *slog.Logger
	idGen          IDGenerator
	readLimit      int64
	nodeID         string

	upgrader   websocket.Upgrader
	conns      *connRegistry
	sessions   *sessionRegistry
	rooms      *RoomManager
	dispatcher *Dispatcher
	heartbeat  *heartbeatMonitor
	pubsub     PubSub

	preShutdownDelay time.Duration
	shutdownTimeout  time.Duration
	shuttingDown     atomic.Bool

	rootCtx    context.Context
	cancelRoot context.CancelFunc
}

// New constructs a Server. Call Handle/Use to register handlers and
// middleware before accepting connections.
func New(opts Options) *Server {
	if opts.Codec == nil {
		c := NewJSONCodec()
		opts.Codec = c
	}
	if opts.Authenticator == nil {
		opts.Authenticator = noAuth{}
	}
	if opts.TokenExtractor == nil {
		opts.TokenExtractor = DefaultTokenExtractor
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	if opts.SyncNotifier == nil {
		opts.SyncNotifier = nopSyncNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = generateID
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.SuspendGrace <= 0 {
		opts.SuspendGrace = 60 * time.Second
	}
	if opts.NodeID == "" {
		opts.NodeID = opts.IDGenerator()
	}
	if opts.PreShutdownDelay == 0 {
		opts.PreShutdownDelay = 1 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	if len(opts.Origins.AllowOrigins) == 0 && opts.Origins.AllowFunc == nil {
		opts.Origins = AllowAllOrigins()
	}

	sessions := newSessionRegistry(opts.SuspendGrace)
	rootCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		codec:            opts.Codec,
		auth:             opts.Authenticator,
		tokenExtractor:   opts.TokenExtractor,
		requireAuth:      opts.RequireAuth,
		origins:          opts.Origins,
		metrics:          opts.Metrics,
		sync:             opts.SyncNotifier,
		logger:           opts.Logger,
		idGen:            opts.IDGenerator,
		readLimit:        opts.ReadLimit,
		nodeID:           opts.NodeID,
		conns:            newConnRegistry(),
		sessions:         sessions,
		dispatcher:       newDispatcher(),
		heartbeat:        newHeartbeatMonitor(sessions, opts.HeartbeatInterval, opts.HeartbeatTimeout),
		pubsub:           opts.PubSub,
		preShutdownDelay: opts.PreShutdownDelay,
		shutdownTimeout:  opts.ShutdownTimeout,
		rootCtx:          rootCtx,
		cancelRoot:       cancel,
	}
	s.rooms = newRoomManager(sessions, opts.PubSub, opts.Codec, opts.NodeID, opts.RoomCapacity)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.origins.CheckOrigin,
	}
	sessions.onRemove = func(sess *Session) {
		s.heartbeat.forget(sess.ID())
		s.rooms.LeaveAll(sess.ID(), sess.Rooms())
		s.metrics.SessionClosed()
		_ = s.sync.NotifyChange(s.rootCtx, SyncSessionClosed, sess.ID(), nil)
	}

	go s.heartbeat.run(rootCtx)
	go sessions.reap(rootCtx, opts.SuspendGrace/2+time.Second)
	if opts.PubSub != nil {
		s.subscribeRooms(rootCtx)
	}
	return s
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger { return s.logger }

// Rooms returns the room manager, for Who/RoomIDs/Count introspection
// and direct Broadcast calls from outside a handler.
func (s *Server) Rooms() *RoomManager { return s.rooms }

// Session looks up a session by ID.
func (s *Server) Session(id string) (*Session, bool) { return s.sessions.get(id) }

// SessionsByUser returns every live session for userID.
func (s *Server) SessionsByUser(userID string) []*Session { return s.sessions.byUserID(userID) }

// SessionCount returns the number of tracked sessions (active + suspended).
func (s *Server) SessionCount() int { return s.sessions.count() }

// Use registers a global dispatcher middleware.
func (s *Server) Use(mw Middleware) { s.dispatcher.Use(mw) }

// Handle registers a handler for event.
func (s *Server) Handle(event string, fn HandlerFunc, opts ...HandlerOption) {
	s.dispatcher.Handle(event, fn, opts...)
}

func (s *Server) subscribeRooms(ctx context.Context) {
	_, err := s.pubsub.Subscribe(ctx, roomChannelPrefix+"*", func(channel string, payload []byte) {
		roomID, ok := roomIDFromChannel(channel)
		if !ok {
			return
		}
		s.rooms.deliverRemote(roomID, payload)
	})
	if err != nil {
		s.logger.Error("pubsub subscribe failed", "pattern", roomChannelPrefix+"*", "error", err)
	}
}

// Handler returns the http.Handler that performs the WebSocket
// handshake: a single HTTP handler, mountable anywhere. Mount it at
// whatever path the deployment chooses; Server does not assume
// ownership of the mux.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}

	connID := s.idGen()
	conn := newConnection(connID, wsConn, s.codec, s.readLimit)
	s.conns.add(conn)
	s.metrics.ConnectionOpened()

	result, ok := s.handshakeAuth(r, conn)
	if !ok {
		s.conns.remove(conn.ID())
		s.metrics.ConnectionClosed()
		return
	}

	session := s.bindSession(r, conn, result)

	go conn.readPump()
	go s.serveConnection(session, conn)
}

// handshakeAuth runs after the WebSocket upgrade has already completed,
// so a rejected handshake closes with a WS close code instead of a bare
// HTTP error. A token is looked up only to hand it to the Authenticator
// when one is actually present: with RequireAuth false (the default), a
// connection presenting no token is accepted anonymously even with a
// real Authenticator configured. RequireAuth true rejects a tokenless
// handshake with CloseAuthRequired; a token that fails Authenticate
// closes with CloseAuthFailed.
func (s *Server) handshakeAuth(r *http.Request, conn *Connection) (AuthResult, bool) {
	token := s.tokenExtractor(r)
	if token == "" {
		if s.requireAuth {
			_ = conn.Close(CloseAuthRequired, ErrAuthRequired.Error())
			return AuthResult{}, false
		}
		return AuthResult{}, true
	}
	result, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		_ = conn.Close(CloseAuthFailed, err.Error())
		return AuthResult{}, false
	}
	return result, true
}

// bindSession either rebinds conn to an existing session named by the
// "session_id" query parameter (handshake-time reconnection) or
// creates a brand new session.
func (s *Server) bindSession(r *http.Request, conn *Connection, result AuthResult) *Session {
	if sid := r.URL.Query().Get("session_id"); sid != "" {
		if sess, err := s.attemptReconnect(sid, conn); err == nil {
			s.metrics.SessionReconnected()
			_ = s.sync.NotifyChange(r.Context(), SyncSessionReconnected, sess.ID(), nil)
			return sess
		}
	}
	id := s.idGen()
	sess := s.sessions.create(id, result.UserID, conn, result.Meta)
	s.heartbeat.touch(id)
	s.metrics.SessionCreated()
	_ = s.sync.NotifyChange(r.Context(), SyncSessionCreated, id, nil)
	payload := Payload{"sessionId": id}
	if result.UserID != "" {
		payload["userId"] = result.UserID
	}
	_ = conn.Send(Message{Event: EventSessionCreated, Payload: payload})
	return sess
}

// serveConnection pumps a single connection's Inbound/Errors/Done
// streams into the dispatcher until it closes, then suspends its
// session if this connection was still the one attached (a reconnect
// elsewhere may have already displaced it, in which case there is
// nothing to suspend).
func (s *Server) serveConnection(session *Session, conn *Connection) {
	defer func() {
		s.conns.remove(conn.ID())
		s.metrics.ConnectionClosed()
		if session.connection() == conn {
			session.suspend()
			s.metrics.SessionSuspended()
			_ = s.sync.NotifyChange(s.rootCtx, SyncSessionSuspended, session.ID(), nil)
		}
	}()

	for {
		select {
		case <-conn.Done():
			return
		case err := <-conn.Errors():
			_ = conn.Send(Message{Event: EventError, Payload: Payload{"code": int(CodeOf(err)), "message": err.Error()}})
		case msg, ok := <-conn.Inbound():
			if !ok {
				return
			}
			session = s.handleMessage(session, conn, msg)
		}
	}
}

// handleMessage dispatches one inbound message and returns the session
// the connection should be associated with from now on. Normally this is
// the same session passed in; a successful in-band reconnect request
// rebinds the connection to a different, previously suspended session.
func (s *Server) handleMessage(session *Session, conn *Connection, msg Message) *Session {
	s.heartbeat.touch(session.ID())

	switch msg.Event {
	case EventPong:
		return session
	case EventReconnectRequest:
		newSess, err := s.handleReconnectRequest(conn, msg)
		if err != nil {
			ctx := newContext(s.rootCtx, session, s.rooms, msg)
			_ = ctx.Error(err)
			return session
		}
		if newSess != session && session.connection() == conn {
			// The fresh session created at handshake no longer owns this
			// connection: detach it, then close it.
			session.suspend()
			s.sessions.closeSession(session.ID(), CloseNormal, "")
		}
		return newSess
	}

	start := time.Now()
	ctx := newContext(s.rootCtx, session, s.rooms, msg)
	err := s.dispatcher.dispatch(ctx, msg)
	s.metrics.MessageDispatched(msg.Event, time.Since(start))
	if err != nil {
		s.metrics.HandlerError(msg.Event, CodeOf(err))
		// A dispatchError came from the dispatcher's terminal step
		// (lookup, auth gate, schema validation, or the handler itself)
		// and is reported to the client. A raw, unwrapped error means a
		// middleware blocked before the terminal step ran; it already
		// owns (or deliberately skipped) its own reply, so dispatch ends
		// silently here.
		var de *dispatchError
		if errors.As(err, &de) {
			_ = ctx.Error(err)
		}
	}
	return session
}

// Listen starts an HTTP server bound to addr and drains it gracefully on
// SIGINT/SIGTERM: flip readiness, wait PreShutdownDelay, then Shutdown
// with a bounded timeout before forcing Close.
func (s *Server) Listen(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	return s.serveWithSignals(srv, func() error { return srv.ListenAndServe() })
}

// Serve runs the handshake handler on an already-accepted listener,
// applying the same signal-aware graceful shutdown as Listen.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{Addr: l.Addr().String(), Handler: s.Handler()}
	return s.serveWithSignals(srv, func() error { return srv.Serve(l) })
}

func (s *Server) serveWithSignals(srv *http.Server, serveFn func() error) error {
	parent, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.serveContext(parent, srv, serveFn)
}

func (s *Server) serveContext(ctx context.Context, srv *http.Server, serveFn func() error) error {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv.BaseContext = func(net.Listener) context.Context { return baseCtx }

	log := s.logger.With(
		slog.String("addr", srv.Addr),
		slog.Int("pid", os.Getpid()),
		slog.String("go_version", runtime.Version()),
	)
	log.Info("server starting")

	errCh := make(chan error, 1)
	go func() {
		if err := serveFn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server start failed", "error", err)
		}
		return err

	case <-ctx.Done():
		start := time.Now()
		s.shuttingDown.Store(true)
		log.Info("shutdown initiated")

		if s.preShutdownDelay > 0 {
			time.Sleep(s.preShutdownDelay)
		}

		s.sessions.mu.RLock()
		sessionIDs := make([]string, 0, len(s.sessions.byID))
		for id := range s.sessions.byID {
			sessionIDs = append(sessionIDs, id)
		}
		s.sessions.mu.RUnlock()
		for _, id := range sessionIDs {
			s.sessions.closeSession(id, CloseGoingAway, "server shutting down")
		}
		s.conns.closeAll(CloseGoingAway, "server shutting down")
		s.cancelRoot()

		drainCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(drainCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("graceful shutdown incomplete", "error", err)
			_ = srv.Close()
			cancelBase()
		} else {
			cancelBase()
		}

		if err := <-errCh; err != nil {
			log.Error("server exit error after shutdown", "error", err)
			return err
		}

		log.Info("server stopped gracefully", "duration", time.Since(start))
		return nil
	}
}

// Ready reports whether the server is still accepting new work (false
// once a graceful shutdown has begun).
func (s *Server) Ready() bool { return !s.shuttingDown.Load() }
