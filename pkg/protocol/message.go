package protocol

import (
	"encoding/json"

	"github.com/evalbridge/evalbridge/internal/errors"
)

// Tag identifies a message type on the wire.
type Tag string

const (
	// OpEvalJS asks a client to evaluate JavaScript (server -> client).
	OpEvalJS Tag = "eval-js"

	// OpResult carries an evaluation result back (client -> server).
	OpResult Tag = "result"

	// OpPrint carries output printed while evaluating (client -> server).
	OpPrint Tag = "print"

	// OpReady announces a fresh client execution environment
	// (client -> server). Sent on connect and on page reload.
	OpReady Tag = "ready"

	// OpError reports a server-side protocol error (server -> client).
	OpError Tag = "error"
)

// ReadyValue is the sentinel delivered to an evaluation waiter released by a
// ready handshake instead of a real result.
const ReadyValue = ":ready"

// ErrUnknownTag reports a message whose op is outside the closed tag set.
// Dispatchers log and drop such messages rather than failing.
var ErrUnknownTag = errors.New(errors.CategoryProtocol, "unknown_tag", "unknown message tag")

// ErrMalformed reports a frame that is not a valid message object.
var ErrMalformed = errors.New(errors.CategoryProtocol, "malformed", "malformed message frame")

// Message is a tagged wire message. Fields beyond Op are populated depending
// on the tag; absent fields marshal away.
type Message struct {
	Op      Tag    `json:"op"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code,omitempty"`
	Value   string `json:"value,omitempty"`
	Session string `json:"session,omitempty"`
	Text    string `json:"message,omitempty"`
}

// EvalJS builds an eval-js request.
func EvalJS(id, code, session string) *Message {
	return &Message{Op: OpEvalJS, ID: id, Code: code, Session: session}
}

// Result builds a result reply.
func Result(id, value string) *Message {
	return &Message{Op: OpResult, ID: id, Value: value}
}

// Print builds a print message.
func Print(value, session string) *Message {
	return &Message{Op: OpPrint, Value: value, Session: session}
}

// Ready builds a ready handshake.
func Ready() *Message {
	return &Message{Op: OpReady}
}

// Error builds a server-side error report.
func Error(text string) *Message {
	return &Message{Op: OpError, Text: text}
}

// Encode marshals the message to a single wire frame.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire frame. It returns ErrMalformed for invalid JSON or a
// missing op, and ErrUnknownTag for a tag outside the closed set; the message
// is still returned alongside ErrUnknownTag so callers can log the offender.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ErrMalformed
	}
	if m.Op == "" {
		return nil, ErrMalformed
	}
	switch m.Op {
	case OpEvalJS, OpResult, OpPrint, OpReady, OpError:
		return &m, nil
	default:
		return &m, ErrUnknownTag
	}
}
