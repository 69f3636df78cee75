package server

import (
	"io"

	"github.com/evalbridge/evalbridge/pkg/protocol"
)

// dispatch routes one decoded inbound message by tag. It runs on the
// client's read goroutine and must never panic: every arm drops bad input
// after logging.
func (s *Server) dispatch(c *Client, msg *protocol.Message) {
	switch msg.Op {
	case protocol.OpReady:
		// A ready handshake means a fresh execution environment: requests
		// sent to the client's previous incarnation can never be answered,
		// so their waiters are released with the ready sentinel.
		if n := s.coord.release(c.id, protocol.ReadyValue); n > 0 {
			s.logger.Debug("ready released pending evaluations", "client", c.id, "count", n)
		}

	case protocol.OpResult:
		if !s.coord.fulfill(msg.ID, msg.Value) {
			// Stale or duplicate result: silent no-op by contract.
			s.metrics.staleResults.Inc()
			s.logger.Debug("dropping stale result", "client", c.id, "id", msg.ID)
		}

	case protocol.OpPrint:
		// Output is delivered only when the message's session currently
		// targets this client. Cross-session output must never leak.
		if s.registry.boundTo(msg.Session, c.id) {
			if _, err := io.WriteString(s.registry.sinkFor(msg.Session), msg.Value); err != nil {
				s.logger.Warn("print sink write failed", "session", msg.Session, "error", err)
			}
		}

	case protocol.OpEvalJS, protocol.OpError:
		s.logger.Warn("dropping server-directed tag sent by client", "client", c.id, "tag", msg.Op)

	default:
		s.logger.Warn("dropping message with unknown tag", "client", c.id, "tag", msg.Op)
	}
}
