package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evalbridge/evalbridge/pkg/protocol"
)

// Client is a connected execution endpoint: a WebSocket connection plus its
// assigned id.
type Client struct {
	id   int
	conn *websocket.Conn
	srv  *Server

	writeMu   sync.Mutex // gorilla conns allow one concurrent writer
	closeOnce sync.Once

	logger *slog.Logger
}

// ID returns the client's assigned id.
func (c *Client) ID() int {
	return c.id
}

// send encodes and writes one message frame.
func (c *Client) send(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads frames from the connection, decodes them, and
// hands them to the server's dispatcher. It blocks until the connection
// closes or errors; either way the close path runs exactly once.
func (c *Client) readLoop() {
	defer c.srv.handleClose(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// Per-connection errors are isolated: log with the client
			// identity and let the close path run. Other clients and the
			// server keep going.
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.Error("transport error", "client", c.id, "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		switch {
		case errors.Is(err, protocol.ErrUnknownTag):
			c.logger.Warn("dropping message with unknown tag", "client", c.id, "tag", msg.Op)
		case err != nil:
			c.logger.Warn("dropping malformed frame", "client", c.id, "error", err)
			if sendErr := c.send(protocol.Error("malformed frame")); sendErr != nil {
				c.logger.Debug("error report failed", "client", c.id, "error", sendErr)
			}
		default:
			c.srv.dispatch(c, msg)
		}
	}
}

// close closes the underlying connection. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}
