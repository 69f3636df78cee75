// Package repl exposes the host-facing environment adapter: the lifecycle a
// REPL/compiler host drives to share an evalbridge server across several
// logical sessions.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/evalbridge/evalbridge/pkg/server"
)

// Env is one logical REPL session bound to a shared server. Every Env has
// its own session id, output sink, and client binding; the underlying server
// is started by the first Setup and stopped by the last TearDown.
type Env struct {
	srv     *server.Server
	session string
	out     io.Writer

	mu    sync.Mutex
	ready bool

	stackParser    func(raw string) string
	errorRetriever func(value string) error
}

// Option configures an Env.
type Option func(*Env)

// WithOutput sets the sink for this session's print output and
// announcements. Default: os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(e *Env) {
		e.out = w
	}
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(e *Env) {
		e.session = id
	}
}

// NewEnv creates an environment sharing srv.
func NewEnv(srv *server.Server, opts ...Option) *Env {
	e := &Env{
		srv:     srv,
		session: uuid.NewString(),
		out:     os.Stdout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Session returns this environment's session id.
func (e *Env) Session() string {
	return e.session
}

// Setup starts the shared server if it is not already running, waits for the
// first client to connect, routes this session's output, and binds the
// session to the first available client. Setup is idempotent per Env.
func (e *Env) Setup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ready {
		return nil
	}

	// Another Env may have started the server already; that is not an
	// error, it is the point of sharing.
	if err := e.srv.Start(); err != nil && !errors.Is(err, server.ErrAlreadyStarted) {
		return fmt.Errorf("setup: %w", err)
	}

	e.srv.SetOutput(e.session, e.out)
	if err := e.srv.WaitForStart(ctx); err != nil {
		e.srv.SetOutput(e.session, nil)
		return fmt.Errorf("setup: waiting for first client: %w", err)
	}

	if ids := e.srv.Clients(); len(ids) > 0 {
		e.srv.Bind(e.session, ids[0])
	}

	e.srv.Retain()
	e.ready = true
	return nil
}

// Evaluate sends code to this session's current client and returns the
// result value.
func (e *Env) Evaluate(ctx context.Context, code string) (string, error) {
	return e.srv.Evaluate(ctx, e.session, code)
}

// Load evaluates a remote require for the named module.
func (e *Env) Load(ctx context.Context, module string) (string, error) {
	return e.Evaluate(ctx, fmt.Sprintf("require(%q)", module))
}

// SwitchClient rebinds this session to the given client id.
func (e *Env) SwitchClient(clientID int) {
	e.srv.Bind(e.session, clientID)
}

// Clients lists the connected client ids, lowest first.
func (e *Env) Clients() []int {
	return e.srv.Clients()
}

// TearDown releases this session's reference on the shared server and stops
// the server when it was the last one. Calling TearDown on an Env that never
// completed Setup is a no-op.
func (e *Env) TearDown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ready {
		return nil
	}
	e.ready = false
	e.srv.SetOutput(e.session, nil)

	if e.srv.Release() == 0 {
		return e.srv.Stop()
	}
	return nil
}

// SetStackTraceParser installs the collaborator that turns a raw client
// stack trace into a canonical form. Unset, ParseStackTrace returns its
// input unchanged.
func (e *Env) SetStackTraceParser(fn func(raw string) string) {
	e.stackParser = fn
}

// ParseStackTrace delegates to the installed stack trace parser.
func (e *Env) ParseStackTrace(raw string) string {
	if e.stackParser == nil {
		return raw
	}
	return e.stackParser(raw)
}

// SetErrorRetriever installs the collaborator that reconstructs an error
// object from an encoded result value. Unset, RetrieveError returns nil.
func (e *Env) SetErrorRetriever(fn func(value string) error) {
	e.errorRetriever = fn
}

// RetrieveError delegates to the installed error retriever.
func (e *Env) RetrieveError(value string) error {
	if e.errorRetriever == nil {
		return nil
	}
	return e.errorRetriever(value)
}
