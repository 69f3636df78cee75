// Package server implements the evalbridge session layer: a WebSocket server
// that registers JavaScript execution clients, routes their printed output to
// per-session sinks, and correlates evaluation requests with results so a
// REPL host can evaluate code remotely and synchronously.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/evalbridge/evalbridge/pkg/protocol"
)

const tracerName = "evalbridge"

// Server owns the transport lifecycle and all shared session state. One
// Server may be shared by several logical REPL sessions; Retain/Release
// reference counting lets the last one tear it down.
type Server struct {
	cfg    *Config
	logger *slog.Logger
	tracer trace.Tracer

	registry *registry
	coord    *coordinator
	metrics  *metrics
	upgrader websocket.Upgrader

	// Lifecycle state, guarded by mu.
	mu         sync.Mutex
	running    bool
	httpServer *http.Server
	listener   net.Listener
	started    chan struct{} // closed when the first client connects
	startOnce  *sync.Once

	refs atomic.Int32 // REPL environments sharing this server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics applies metrics options (namespace, registry, buckets).
func WithMetrics(opts ...MetricsOption) Option {
	return func(s *Server) {
		s.metrics = newMetrics(opts...)
	}
}

// New creates a Server with the given configuration. A nil config uses
// DefaultConfig; unset fields are filled with defaults.
func New(cfg *Config, opts ...Option) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg.fillDefaults()
	}

	s := &Server{
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "server")
	if s.metrics == nil {
		s.metrics = newMetrics()
	}

	s.registry = newRegistry(cfg.DefaultOutput)
	s.coord = newCoordinator()
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     cfg.CheckOrigin,
	}
	return s
}

// Start binds the listener and begins accepting clients. It returns
// ErrAlreadyStarted when the server is already running: Start never
// implicitly restarts. All session state is reset, so client ids assigned in
// this run start at 1 regardless of any previous run.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyStarted
	}

	// Fresh state for this run: empty registry, id counter at zero, an
	// unfulfilled started signal.
	s.registry.drain()
	s.started = make(chan struct{})
	s.startOnce = new(sync.Once)

	port := s.cfg.Port
	if port < 0 {
		port = 0
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	r := chi.NewRouter()
	r.Get("/ws", s.handleWebSocket)
	r.Handle("/metrics", s.metrics.handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.listener = ln
	s.httpServer = &http.Server{Handler: r}
	s.running = true

	srv := s.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("serve failed", "error", err)
		}
	}()

	s.logger.Info("server started", "addr", ln.Addr().String())
	return nil
}

// Stop halts the transport and resets all shared state. Stopping a stopped
// server is a no-op. Pending evaluations are failed with ErrServerStopped so
// no waiter blocks past teardown; a subsequent Start sees no residue.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	httpServer := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	for _, c := range s.registry.drain() {
		c.close()
	}
	s.coord.failAll(ErrServerStopped)
	s.metrics.clientsConnected.Set(0)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown incomplete", "error", err)
		return err
	}

	s.logger.Info("server stopped")
	return nil
}

// Running reports whether the server is accepting clients.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound listen address, or "" when stopped. Useful when the
// configured port was OS-assigned.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// WaitForStart blocks until the first client connects, the context ends, or
// the server is stopped.
func (s *Server) WaitForStart(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServerStopped
	}
	started := s.started
	s.mu.Unlock()

	select {
	case <-started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retain registers a logical REPL session sharing this server.
func (s *Server) Retain() {
	s.refs.Add(1)
}

// Release drops one reference and reports how many remain. The caller that
// observes zero is responsible for Stop.
func (s *Server) Release() int32 {
	return s.refs.Add(-1)
}

// Bind points a session at a client id. The binding is unconditional; a
// stale id resolves lazily to the lowest live client on the next send.
func (s *Server) Bind(session string, clientID int) {
	s.registry.bind(session, clientID)
}

// SetOutput routes a session's print output and announcements to w.
// A nil writer removes the route; the session falls back to the ambient
// default output.
func (s *Server) SetOutput(session string, w io.Writer) {
	s.registry.setSink(session, w)
}

// Clients returns the connected client ids in ascending order.
func (s *Server) Clients() []int {
	return s.registry.clientIDs()
}

// Evaluate sends code to the client the session currently targets and blocks
// until the matching result arrives, the context ends, or the configured
// evaluation timeout expires.
func (s *Server) Evaluate(ctx context.Context, session, code string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "evalbridge.evaluate",
		trace.WithAttributes(attribute.String("session.id", session)))
	defer span.End()

	client, err := s.registry.currentClient(session)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("client.id", client.id))

	id, ch := s.coord.add(client.id)
	s.metrics.evalsTotal.Inc()
	start := time.Now()

	if err := client.send(protocol.EvalJS(id, code, session)); err != nil {
		s.coord.remove(id)
		s.metrics.evalOutcomes.WithLabelValues(outcomeError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return "", fmt.Errorf("send eval-js to client %d: %w", client.id, err)
	}

	timeout := time.NewTimer(s.cfg.EvalTimeout)
	defer timeout.Stop()

	select {
	case out := <-ch:
		s.metrics.evalDuration.Observe(time.Since(start).Seconds())
		if out.err != nil {
			s.metrics.evalOutcomes.WithLabelValues(outcomeDisconnected).Inc()
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
			return "", out.err
		}
		if out.value == protocol.ReadyValue {
			s.metrics.evalOutcomes.WithLabelValues(outcomeReady).Inc()
		} else {
			s.metrics.evalOutcomes.WithLabelValues(outcomeOK).Inc()
		}
		return out.value, nil

	case <-ctx.Done():
		s.coord.remove(id)
		s.metrics.evalOutcomes.WithLabelValues(outcomeTimeout).Inc()
		span.SetStatus(codes.Error, "context done")
		return "", ctx.Err()

	case <-timeout.C:
		s.coord.remove(id)
		s.metrics.evalOutcomes.WithLabelValues(outcomeTimeout).Inc()
		span.SetStatus(codes.Error, "timeout")
		return "", fmt.Errorf("client %d: %w", client.id, ErrEvaluationTimeout)
	}
}

// handleWebSocket upgrades the HTTP request and registers the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.handleOpen(conn)
}

// handleOpen registers a new client, announces it to every session sink, and
// fulfills the started signal on the first connection of this run.
func (s *Server) handleOpen(conn *websocket.Conn) {
	c := &Client{conn: conn, srv: s, logger: s.logger}
	id := s.registry.register(c)
	c.logger = s.logger.With("client", id)

	s.metrics.clientsConnected.Inc()
	s.metrics.clientsTotal.Inc()
	s.logger.Info("client connected", "client", id, "remote", conn.RemoteAddr().String())

	s.announce(fmt.Sprintf("Client %d connected\n", id))
	s.fulfillStarted()

	go c.readLoop()
}

// handleClose runs when a client's read loop ends. It unregisters the
// client, rebinds any session that targeted it to the lowest remaining
// client, and fails the client's in-flight evaluations. Duplicate close
// events are a no-op.
func (s *Server) handleClose(c *Client) {
	c.close()

	id, rebound, ok := s.registry.unregister(c.conn)
	if !ok {
		return
	}

	s.metrics.clientsConnected.Dec()
	s.logger.Info("client disconnected", "client", id)

	if n := s.coord.fail(id, fmt.Errorf("client %d: %w", id, ErrClientDisconnected)); n > 0 {
		s.logger.Warn("failed pending evaluations on disconnect", "client", id, "count", n)
	}

	for session, newID := range rebound {
		s.logger.Info("session rebound", "session", session, "client", newID)
		fmt.Fprintf(s.registry.sinkFor(session), "Client %d disconnected, now targeting client %d\n", id, newID)
	}
}

// announce writes a line to every registered session sink, or to the default
// output when none are registered yet.
func (s *Server) announce(text string) {
	for _, w := range s.registry.allSinks() {
		if _, err := w.Write([]byte(text)); err != nil {
			s.logger.Debug("announce write failed", "error", err)
		}
	}
}

func (s *Server) fulfillStarted() {
	s.mu.Lock()
	once := s.startOnce
	started := s.started
	s.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() {
		close(started)
	})
}
