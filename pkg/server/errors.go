package server

import (
	"github.com/evalbridge/evalbridge/internal/errors"
)

// Sentinel errors returned by the server. All are matchable with errors.Is
// through any wrapping the server applies.
var (
	// ErrNoClientConnected reports an evaluation attempted while no client
	// is registered (or a session's binding cannot be resolved).
	ErrNoClientConnected = errors.New(errors.CategoryEval, "no_client_connected", "no execution client connected")

	// ErrEvaluationTimeout reports an evaluation that outlived its deadline.
	// The pending slot is cleared before this is returned; a late result is
	// dropped as stale.
	ErrEvaluationTimeout = errors.New(errors.CategoryEval, "evaluation_timeout", "evaluation timed out")

	// ErrClientDisconnected reports that the target client disconnected
	// while an evaluation was in flight.
	ErrClientDisconnected = errors.New(errors.CategoryEval, "client_disconnected", "client disconnected during evaluation")

	// ErrServerStopped reports an operation on a stopped server.
	ErrServerStopped = errors.New(errors.CategoryServer, "server_stopped", "server is not running")

	// ErrAlreadyStarted is returned by Start when the server is already
	// running. Start never implicitly restarts.
	ErrAlreadyStarted = errors.New(errors.CategoryServer, "already_started", "server is already running")
)
