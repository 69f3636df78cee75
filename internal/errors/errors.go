// Package errors provides structured errors for evalbridge.
//
// Errors carry a category and an optional short code so that callers and log
// pipelines can classify failures without string matching on messages.
package errors

import (
	"fmt"
)

// Category represents the type of error.
type Category string

const (
	CategoryConfig   Category = "config"
	CategoryProtocol Category = "protocol"
	CategoryEval     Category = "eval"
	CategoryServer   Category = "server"
)

// Error is a structured error with a category, an optional code, and an
// optional wrapped cause.
type Error struct {
	// Code is a short stable identifier (e.g. "no_client_connected").
	Code string

	// Category is the error type (config, protocol, eval, server).
	Category Category

	// Message is a short description of the error.
	Message string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Wrapped != nil {
		return msg + ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Wrap attaches an underlying cause and returns the error.
func (e *Error) Wrap(err error) *Error {
	e.Wrapped = err
	return e
}

// New creates an Error with a category, code, and message.
func New(category Category, code, message string) *Error {
	return &Error{Code: code, Category: category, Message: message}
}

// Newf creates an Error with a formatted message (no code).
func Newf(category Category, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}
