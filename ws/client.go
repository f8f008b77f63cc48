package ws

import (
	"bytes"
	"context"
	"time"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/dropmaphq/dropmap-server/messages"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeTimeout is the timeout for writing a message to the peer.
	writeTimeout = 10 * time.Second
	// pingInterval is the interval in which pings are sent to the peer. Must be
	// less than pongTimeout.
	pingInterval = (pongTimeout * 9) / 10
	// pongTimeout is the timeout for waiting for the next pong message from the
	// peer. Must be greater than pingInterval.
	pongTimeout = 60 * time.Second
	// maxMessageSize is the maximum message size allowed from peer.
	maxMessageSize = 16384
)

var (
	// newline is used for separating messages in writer.
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Client holds the websocket connection of a single peer.
type Client struct {
	// ID identifies the client in logs.
	ID uuid.UUID
	// hub is the websocket hub which is used for registering and
	// unregistering.
	hub *Hub
	// connection is the actual websocket connection.
	connection *websocket.Conn
	// Send receives outgoing messages. Never closed so queueing a message can
	// never panic.
	Send chan []byte
	// Receive forwards incoming messages to the hub.
	Receive chan []byte
	// Done is closed by the hub when the client is dropped. Stops the
	// write-pump and discards messages still queued for the client.
	Done chan struct{}
}

func (c *Client) logger() *zap.Logger {
	return c.hub.logger.With(zap.Any("client_id", c.ID))
}

// SendOK queues an ok message for the client. Drops the message if the client
// cannot keep up.
func (c *Client) SendOK() {
	raw, err := messages.Compose(messages.MessageTypeOK, nil)
	if err != nil {
		errors.Log(c.logger(), errors.Wrap(err, "compose ok message", nil))
		return
	}
	c.trySend(raw)
}

// SendError queues an error message for the client. Internal details are
// hidden from the peer.
func (c *Client) SendError(err error) {
	raw, composeErr := messages.Compose(messages.MessageTypeError, messages.MessageErrorFromError(err))
	if composeErr != nil {
		errors.Log(c.logger(), errors.Wrap(composeErr, "compose error message", nil))
		return
	}
	c.trySend(raw)
}

func (c *Client) trySend(raw []byte) {
	select {
	case <-c.Done:
	case c.Send <- raw:
	default:
		c.logger().Warn("dropping message for slow client")
	}
}

// readPump forwards messages from the websocket connection to the hub.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		close(c.Receive)
		err := c.connection.Close()
		if err != nil {
			c.logger().Debug("close connection", zap.Error(err))
		}
	}()
	c.connection.SetReadLimit(maxMessageSize)
	_ = c.connection.SetReadDeadline(time.Now().Add(pongTimeout))
	// Handle received pong.
	c.connection.SetPongHandler(func(string) error {
		_ = c.connection.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		// Read next message.
		_, message, err := c.connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger().Debug("unexpected close", zap.Error(err))
			}
			break
		}
		// Trim.
		message = bytes.TrimSpace(bytes.Replace(message, newline, space, -1))
		// Forward.
		select {
		case <-ctx.Done():
			c.logger().Warn("dropping message due to ctx done")
		case c.Receive <- message:
		}
	}
}

// writePump forwards outgoing messages from the hub to the websocket
// connection. We do not pass a context.Context here because the hub will close
// the Done-channel which will lead to termination, anyways.
func (c *Client) writePump() {
	pingTicker := time.NewTicker(pingInterval)
	defer func() {
		// Stop ping ticker in order to avoid ticker leak.
		pingTicker.Stop()
		// Close connection.
		err := c.connection.Close()
		if err != nil {
			c.logger().Debug("close connection", zap.Error(err))
		}
	}()
	for {
		select {
		case <-c.Done:
			// Connection close is requested from hub.
			_ = c.connection.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.connection.WriteMessage(websocket.CloseMessage, []byte{})
			if err != nil {
				c.logger().Debug("write close message", zap.Error(err))
			}
			return
		case message := <-c.Send:
			// Set write timeout.
			_ = c.connection.SetWriteDeadline(time.Now().Add(writeTimeout))
			// Write message.
			nextWriter, err := c.connection.NextWriter(websocket.TextMessage)
			if err != nil {
				// We expect the read pump to fail as well.
				c.logger().Warn("create writer for text message", zap.Error(err))
				return
			}
			_, err = nextWriter.Write(message)
			if err != nil {
				c.logger().Warn("write text message", zap.Error(err))
			}
			// Close writer.
			if err := nextWriter.Close(); err != nil {
				c.logger().Warn("close next writer", zap.Error(err))
				return
			}
		case <-pingTicker.C:
			// Send ping.
			_ = c.connection.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger().Warn("write ping", zap.Error(err))
				return
			}
		}
	}
}
