package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/umar/guestchat/internal/apperr"
	"github.com/umar/guestchat/internal/models"
	"github.com/umar/guestchat/internal/pipeline"
	"github.com/umar/guestchat/internal/protocol"
)

var errRateLimited = errors.New("rate limit exceeded, slow down")

func decode(frame protocol.Frame, into any) error {
	if len(frame.Payload) == 0 {
		return fmt.Errorf("%s: missing payload: %w", frame.Type, apperr.ErrValidation)
	}
	if err := json.Unmarshal(frame.Payload, into); err != nil {
		return fmt.Errorf("%s: malformed payload: %w", frame.Type, apperr.ErrValidation)
	}
	return nil
}

func requireRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("roomId is required: %w", apperr.ErrValidation)
	}
	return nil
}

// dispatch runs one inbound frame under its own deadline and answers the
// caller with the outcome.
func (g *Gateway) dispatch(c *Client, frame protocol.Frame) {
	if !c.limiter.Allow() {
		c.replyError(frame.ID, errRateLimited.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.EventTimeout)
	defer cancel()

	slog.Debug("ws event", "event", frame.Type, "conn_id", c.connID, "user_id", c.identity.ID)

	var (
		data any
		err  error
	)
	switch frame.Type {
	case protocol.TypeJoinRoom:
		data, err = g.joinRoom(ctx, c, frame)
	case protocol.TypeLeaveRoom:
		data, err = g.leaveRoom(ctx, c, frame)
	case protocol.TypeSendMessage:
		data, err = g.sendMessage(ctx, c, frame)
	case protocol.TypeEditMessage:
		data, err = g.editMessage(ctx, c, frame)
	case protocol.TypeDeleteMessage:
		data, err = g.deleteMessage(ctx, c, frame)
	case protocol.TypeMarkAsRead:
		data, err = g.markAsRead(ctx, c, frame)
	case protocol.TypeTyping:
		g.typing(ctx, c, frame)
		return
	case protocol.TypePing:
		c.sendFrame(protocol.TypePong, nil)
		return
	default:
		err = fmt.Errorf("unknown event %q: %w", frame.Type, apperr.ErrValidation)
	}

	if err != nil {
		logFailure(c, frame.Type, err)
		c.replyError(frame.ID, apperr.Message(err))
		return
	}
	if frame.ID != "" {
		c.reply(frame.ID, protocol.Success(data))
	}
}

func logFailure(c *Client, event string, err error) {
	attrs := []any{"event", event, "conn_id", c.connID, "user_id", c.identity.ID, "error", err}
	switch {
	case errors.Is(err, apperr.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		slog.Error("ws event failed", attrs...)
	case apperr.Message(err) == "internal error":
		slog.Error("ws event failed", attrs...)
	default:
		slog.Debug("ws event rejected", attrs...)
	}
}

// joinRoom subscribes locally before taking the presence count so no room
// event published after the join is missed. The caller alone gets the member
// snapshot.
func (g *Gateway) joinRoom(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var p protocol.RoomPayload
	if err := decode(frame, &p); err != nil {
		return nil, err
	}
	if err := requireRoomID(p.RoomID); err != nil {
		return nil, err
	}
	room, err := g.messages.LookupRoom(ctx, p.RoomID)
	if err != nil {
		return nil, err
	}

	already, err := g.groups.Subscribe(c.connID, room.ID)
	if err != nil {
		return nil, err
	}
	members, err := g.presence.Join(ctx, c.connID, room.ID, c.identity)
	if err != nil {
		if !already {
			g.groups.Unsubscribe(c.connID, room.ID)
		}
		return nil, err
	}

	c.sendFrame(protocol.TypeRoomOnlineUsers, protocol.RoomOnlineUsersPayload{RoomID: room.ID, Users: members})
	return room, nil
}

func (g *Gateway) leaveRoom(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var p protocol.RoomPayload
	if err := decode(frame, &p); err != nil {
		return nil, err
	}
	if err := requireRoomID(p.RoomID); err != nil {
		return nil, err
	}
	if err := g.presence.Leave(ctx, c.connID, p.RoomID, c.identity); err != nil {
		return nil, err
	}
	g.groups.Unsubscribe(c.connID, p.RoomID)
	return protocol.RoomPayload{RoomID: p.RoomID}, nil
}

func (g *Gateway) sendMessage(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var p protocol.SendMessagePayload
	if err := decode(frame, &p); err != nil {
		return nil, err
	}
	in := pipeline.NewMessage{RoomID: p.Room, Content: p.Content, Type: models.MessageType(p.Type)}
	if p.FileURL != "" {
		in.File = &models.FileMeta{URL: p.FileURL, Name: p.FileName, Size: p.FileSize}
	}
	return g.messages.CreateMessage(ctx, c.identity, in)
}

func (g *Gateway) editMessage(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var p protocol.EditMessagePayload
	if err := decode(frame, &p); err != nil {
		return nil, err
	}
	return g.messages.EditMessage(ctx, p.MessageID, c.identity, p.Content)
}

func (g *Gateway) deleteMessage(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var p protocol.DeleteMessagePayload
	if err := decode(frame, &p); err != nil {
		return nil, err
	}
	return g.messages.DeleteMessage(ctx, p.MessageID, c.identity)
}

func (g *Gateway) markAsRead(ctx context.Context, c *Client, frame protocol.Frame) (any, error) {
	var p protocol.RoomPayload
	if err := decode(frame, &p); err != nil {
		return nil, err
	}
	if err := requireRoomID(p.RoomID); err != nil {
		return nil, err
	}
	n, err := g.messages.MarkRead(ctx, p.RoomID, c.identity)
	if err != nil {
		return nil, err
	}
	return map[string]any{"roomId": p.RoomID, "marked": n}, nil
}

// typing is best effort: no ack, no error reply, and only from connections
// joined to the room.
func (g *Gateway) typing(ctx context.Context, c *Client, frame protocol.Frame) {
	var p protocol.TypingPayload
	if err := decode(frame, &p); err != nil || p.RoomID == "" {
		return
	}
	if !g.conns.IsJoined(c.connID, p.RoomID) {
		return
	}
	data, err := protocol.NewFrame(protocol.TypeUserTyping, protocol.UserTypingPayload{
		UserID:   c.identity.ID,
		RoomID:   p.RoomID,
		IsTyping: p.IsTyping,
	})
	if err != nil {
		return
	}
	if err := g.groups.BroadcastToRoom(ctx, p.RoomID, data, c.connID); err != nil {
		slog.Debug("typing broadcast failed", "room_id", p.RoomID, "error", err)
	}
}
