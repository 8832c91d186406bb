package chat

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/umar/guestchat/internal/models"
	"github.com/umar/guestchat/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendBuffer  = 256
	inboxBuffer = 64
)

// Client is one accepted websocket connection.
type Client struct {
	gateway  *Gateway
	conn     *websocket.Conn
	connID   string
	identity models.Identity
	limiter  *rate.Limiter

	send  chan []byte
	inbox chan protocol.Frame

	mu     sync.Mutex
	closed bool
}

func newClient(g *Gateway, conn *websocket.Conn, connID string, identity models.Identity) *Client {
	return &Client{
		gateway:  g,
		conn:     conn,
		connID:   connID,
		identity: identity,
		limiter:  rate.NewLimiter(rate.Limit(g.opts.EventRate), g.opts.EventBurst),
		send:     make(chan []byte, sendBuffer),
		inbox:    make(chan protocol.Frame, inboxBuffer),
	}
}

func (c *Client) ID() string { return c.connID }

// Send queues data for the writer without blocking. It reports false when
// the buffer is full or the connection is gone.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump decodes frames in arrival order and hands them to dispatch. It
// closes the inbox when the connection ends.
func (c *Client) readPump() {
	defer func() {
		close(c.inbox)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.gateway.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("ws read error", "error", err, "conn_id", c.connID, "user_id", c.identity.ID)
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Type == "" {
			c.replyError("", "malformed frame")
			continue
		}
		c.inbox <- frame
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatchLoop handles this connection's frames one at a time, then runs the
// disconnect cleanup once the reader is done.
func (c *Client) dispatchLoop() {
	defer c.gateway.release(c)
	for frame := range c.inbox {
		c.gateway.dispatch(c, frame)
	}
}

func (c *Client) sendFrame(msgType string, payload any) {
	data, err := protocol.NewFrame(msgType, payload)
	if err != nil {
		slog.Error("failed to encode frame", "type", msgType, "error", err)
		return
	}
	if !c.Send(data) {
		slog.Warn("dropped frame for slow connection", "conn_id", c.connID, "type", msgType)
	}
}

// replyError answers the caller only. With a request id it is an ack, without
// one a bare error frame.
func (c *Client) replyError(id, message string) {
	if id == "" {
		c.sendFrame(protocol.TypeError, protocol.Failure(message))
		return
	}
	c.reply(id, protocol.Failure(message))
}

func (c *Client) reply(id string, ack protocol.AckPayload) {
	data, err := protocol.NewReply(protocol.TypeAck, id, ack)
	if err != nil {
		slog.Error("failed to encode ack", "error", err)
		return
	}
	c.Send(data)
}
