// Package chat is the websocket gateway. It authenticates each connection
// once at the handshake, feeds its events to the presence engine and the
// message pipeline, and answers errors to the caller only.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umar/guestchat/internal/auth"
	"github.com/umar/guestchat/internal/fanout"
	"github.com/umar/guestchat/internal/models"
	"github.com/umar/guestchat/internal/pipeline"
	"github.com/umar/guestchat/internal/protocol"
	"github.com/umar/guestchat/internal/registry"
)

type Presence interface {
	Connect(ctx context.Context, connID string, id models.Identity) error
	OnlineUsers(ctx context.Context) ([]protocol.StatusPayload, error)
	Join(ctx context.Context, connID, roomID string, id models.Identity) ([]models.Member, error)
	Leave(ctx context.Context, connID, roomID string, id models.Identity) error
	Disconnect(ctx context.Context, connID string, id models.Identity) error
}

type Messages interface {
	LookupRoom(ctx context.Context, roomID string) (*models.Room, error)
	CreateMessage(ctx context.Context, sender models.Identity, in pipeline.NewMessage) (*models.Message, error)
	EditMessage(ctx context.Context, messageID string, requester models.Identity, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID string, requester models.Identity) (*protocol.MessageDeletedPayload, error)
	MarkRead(ctx context.Context, roomID string, reader models.Identity) (int64, error)
}

// Groups is the local side of the broadcast layer.
type Groups interface {
	Attach(sink fanout.Sink, userID string)
	Detach(connID string)
	Subscribe(connID, roomID string) (bool, error)
	Unsubscribe(connID, roomID string)
	BroadcastToRoom(ctx context.Context, roomID string, frame []byte, exceptConn string) error
}

type Options struct {
	CORSOrigin     string
	MaxMessageSize int64
	EventTimeout   time.Duration
	EventRate      float64
	EventBurst     int
}

func (o *Options) sanitize() {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.EventTimeout <= 0 {
		o.EventTimeout = 10 * time.Second
	}
	if o.EventRate <= 0 {
		o.EventRate = 20
	}
	if o.EventBurst <= 0 {
		o.EventBurst = 40
	}
}

type Gateway struct {
	verifier auth.Verifier
	conns    *registry.Registry
	presence Presence
	messages Messages
	groups   Groups
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*Client
	closing bool
	wg      sync.WaitGroup
}

func NewGateway(verifier auth.Verifier, conns *registry.Registry, presence Presence, messages Messages, groups Groups, opts Options) *Gateway {
	opts.sanitize()
	g := &Gateway{
		verifier: verifier,
		conns:    conns,
		presence: presence,
		messages: messages,
		groups:   groups,
		opts:     opts,
		clients:  make(map[string]*Client),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.opts.CORSOrigin == "" || g.opts.CORSOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == g.opts.CORSOrigin
}

// ServeWS authenticates before upgrading, so a rejected credential never
// gets a socket.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := g.verifier.Verify(auth.BearerToken(r))
	if err == nil {
		err = auth.RequireGuest(identity)
	}
	if err != nil {
		slog.Debug("websocket handshake rejected", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	connID := registry.NewConnID()
	client := newClient(g, conn, connID, identity)
	g.conns.Add(connID, identity)
	g.groups.Attach(client, identity.ID)

	ctx, cancel := context.WithTimeout(r.Context(), g.opts.EventTimeout)
	defer cancel()
	if err := g.presence.Connect(ctx, connID, identity); err != nil {
		slog.Error("failed to register presence", "error", err, "user_id", identity.ID)
		g.groups.Detach(connID)
		g.conns.Remove(connID)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "service temporarily unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	if users, err := g.presence.OnlineUsers(ctx); err != nil {
		slog.Error("failed to load online users", "error", err)
	} else {
		client.sendFrame(protocol.TypeOnlineUsers, users)
	}

	g.mu.Lock()
	if g.closing {
		// Shutdown started while this connection was being set up.
		g.mu.Unlock()
		g.abandon(client)
		return
	}
	g.clients[connID] = client
	g.wg.Add(1)
	g.mu.Unlock()
	slog.Info("client connected", "conn_id", connID, "user_id", identity.ID, "username", identity.DisplayName)

	go client.writePump()
	go client.dispatchLoop()
	go client.readPump()
}

// abandon undoes a fully connected client whose pumps never started.
func (g *Gateway) abandon(c *Client) {
	g.groups.Detach(c.connID)
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.EventTimeout)
	defer cancel()
	if err := g.presence.Disconnect(ctx, c.connID, c.identity); err != nil {
		slog.Error("presence cleanup failed", "error", err, "conn_id", c.connID, "user_id", c.identity.ID)
	}
	c.closeSend()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(writeWait))
	c.conn.Close()
}

// release is the terminal step for a connection and runs exactly once.
func (g *Gateway) release(c *Client) {
	g.groups.Detach(c.connID)

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.EventTimeout)
	defer cancel()
	if err := g.presence.Disconnect(ctx, c.connID, c.identity); err != nil {
		slog.Error("presence cleanup failed", "error", err, "conn_id", c.connID, "user_id", c.identity.ID)
	}
	c.closeSend()

	g.mu.Lock()
	delete(g.clients, c.connID)
	g.mu.Unlock()
	g.wg.Done()
	slog.Info("client disconnected", "conn_id", c.connID, "user_id", c.identity.ID)
}

// Connections is the number of live connections on this instance.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Shutdown stops accepting connections, closes the open ones and waits for
// their cleanup to finish.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway shutdown: %w", ctx.Err())
	}
}
