// Package presence keeps reference-counted room membership and global online
// state in the shared coordination store. One identity may hold several
// connections; each (connection, room) pair contributes exactly one count.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/umar/guestchat/internal/models"
	"github.com/umar/guestchat/internal/protocol"
)

const (
	onlineSetKey    = "online_users"
	defaultUsername = "Guest"
)

func roomCounterKey(roomID, userID string) string {
	return "room:" + roomID + ":user:" + userID + ":count"
}

func roomMembersKey(roomID string) string {
	return "room:" + roomID + ":members"
}

func onlineCounterKey(userID string) string {
	return "online:user:" + userID + ":count"
}

// Store is the subset of the coordination store the engine needs.
type Store interface {
	Acquire(ctx context.Context, counterKey, setKey, member string) (int64, error)
	Release(ctx context.Context, counterKey, setKey, member string) (int64, error)
	Members(ctx context.Context, setKey string) ([]string, error)
	SetName(ctx context.Context, userID, name string, ttl time.Duration) error
	RefreshName(ctx context.Context, userID string, ttl time.Duration) error
	Names(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Registry is the per-process record of which rooms each connection joined.
type Registry interface {
	MarkJoined(connID, roomID string) bool
	MarkLeft(connID, roomID string) bool
	Remove(connID string) ([]string, bool)
}

type Broadcaster interface {
	BroadcastToRoom(ctx context.Context, roomID string, frame []byte, exceptConn string) error
	BroadcastAll(ctx context.Context, frame []byte, exceptConn string) error
}

type Engine struct {
	store   Store
	conns   Registry
	bcast   Broadcaster
	nameTTL time.Duration
}

func NewEngine(store Store, conns Registry, bcast Broadcaster, nameTTL time.Duration) *Engine {
	if nameTTL <= 0 {
		nameTTL = 24 * time.Hour
	}
	return &Engine{store: store, conns: conns, bcast: bcast, nameTTL: nameTTL}
}

// Connect records the identity's display name and takes one global online
// count. Others are told the user came online only on the first connection.
// On error nothing is held.
func (e *Engine) Connect(ctx context.Context, connID string, id models.Identity) error {
	if err := e.store.SetName(ctx, id.ID, id.DisplayName, e.nameTTL); err != nil {
		return err
	}
	n, err := e.store.Acquire(ctx, onlineCounterKey(id.ID), onlineSetKey, id.ID)
	if err != nil {
		return err
	}
	if n == 1 {
		e.announceStatus(ctx, connID, id, "online")
	}
	return nil
}

// OnlineUsers is the cluster-wide online snapshot, sorted by user id.
func (e *Engine) OnlineUsers(ctx context.Context) ([]protocol.StatusPayload, error) {
	members, err := e.resolve(ctx, onlineSetKey)
	if err != nil {
		return nil, err
	}
	users := make([]protocol.StatusPayload, len(members))
	for i, m := range members {
		users[i] = protocol.StatusPayload{UserID: m.UserID, Username: m.Username, Status: "online", IsGuest: true}
	}
	return users, nil
}

// Join adds the connection to roomID and returns the room's member list for
// the caller alone. A repeated join from the same connection takes no extra
// count. The rest of the room hears about it only when the identity becomes
// a member, and only once the join has fully succeeded.
func (e *Engine) Join(ctx context.Context, connID, roomID string, id models.Identity) ([]models.Member, error) {
	if !e.conns.MarkJoined(connID, roomID) {
		return e.RoomMembers(ctx, roomID)
	}

	n, err := e.store.Acquire(ctx, roomCounterKey(roomID, id.ID), roomMembersKey(roomID), id.ID)
	if err != nil {
		e.conns.MarkLeft(connID, roomID)
		return nil, err
	}
	members, err := e.RoomMembers(ctx, roomID)
	if err != nil {
		e.undoJoin(ctx, connID, roomID, id)
		return nil, err
	}

	if n == 1 {
		e.announceMember(ctx, protocol.TypeUserJoinedRoom, connID, roomID, id)
	}
	if err := e.store.RefreshName(ctx, id.ID, e.nameTTL); err != nil {
		slog.Warn("failed to refresh display name", "user_id", id.ID, "error", err)
	}
	return members, nil
}

// undoJoin takes back a count nobody was told about. If the store cannot be
// reached the registry mark stays so disconnect releases it later.
func (e *Engine) undoJoin(ctx context.Context, connID, roomID string, id models.Identity) {
	if _, err := e.store.Release(ctx, roomCounterKey(roomID, id.ID), roomMembersKey(roomID), id.ID); err != nil {
		slog.Error("failed to roll back room join", "room_id", roomID, "conn_id", connID, "user_id", id.ID, "error", err)
		return
	}
	e.conns.MarkLeft(connID, roomID)
}

// Leave releases the connection's count on roomID. Leaving a room the
// connection never joined is a no-op.
func (e *Engine) Leave(ctx context.Context, connID, roomID string, id models.Identity) error {
	if !e.conns.MarkLeft(connID, roomID) {
		return nil
	}
	if err := e.release(ctx, connID, roomID, id); err != nil {
		// Still held in the store; keep it so disconnect retries the release.
		e.conns.MarkJoined(connID, roomID)
		return err
	}
	return nil
}

// Disconnect releases every room the connection still holds and then its
// global online count. Only the first call for a connection does anything.
func (e *Engine) Disconnect(ctx context.Context, connID string, id models.Identity) error {
	rooms, ok := e.conns.Remove(connID)
	if !ok {
		return nil
	}

	var errs []error
	for _, roomID := range rooms {
		if err := e.release(ctx, connID, roomID, id); err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
		}
	}

	n, err := e.store.Release(ctx, onlineCounterKey(id.ID), onlineSetKey, id.ID)
	if err != nil {
		errs = append(errs, err)
	} else if n <= 0 {
		e.announceStatus(ctx, connID, id, "offline")
	}
	return errors.Join(errs...)
}

// RoomMembers lists the identities with at least one live connection joined
// to roomID, sorted by user id.
func (e *Engine) RoomMembers(ctx context.Context, roomID string) ([]models.Member, error) {
	return e.resolve(ctx, roomMembersKey(roomID))
}

func (e *Engine) release(ctx context.Context, connID, roomID string, id models.Identity) error {
	n, err := e.store.Release(ctx, roomCounterKey(roomID, id.ID), roomMembersKey(roomID), id.ID)
	if err != nil {
		return err
	}
	if n <= 0 {
		e.announceMember(ctx, protocol.TypeUserLeftRoom, connID, roomID, id)
	}
	return nil
}

func (e *Engine) resolve(ctx context.Context, setKey string) ([]models.Member, error) {
	ids, err := e.store.Members(ctx, setKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	names, err := e.store.Names(ctx, ids)
	if err != nil {
		return nil, err
	}
	members := make([]models.Member, len(ids))
	for i, uid := range ids {
		name, ok := names[uid]
		if !ok {
			name = defaultUsername
		}
		members[i] = models.Member{UserID: uid, Username: name}
	}
	return members, nil
}

func (e *Engine) announceMember(ctx context.Context, eventType, connID, roomID string, id models.Identity) {
	frame, err := protocol.NewFrame(eventType, protocol.MemberEventPayload{
		UserID:   id.ID,
		RoomID:   roomID,
		Username: id.DisplayName,
	})
	if err != nil {
		slog.Error("failed to encode member event", "error", err)
		return
	}
	if err := e.bcast.BroadcastToRoom(ctx, roomID, frame, connID); err != nil {
		slog.Error("failed to broadcast member event", "event", eventType, "room_id", roomID, "user_id", id.ID, "error", err)
	}
}

func (e *Engine) announceStatus(ctx context.Context, connID string, id models.Identity, status string) {
	eventType := protocol.TypeUserOnline
	if status == "offline" {
		eventType = protocol.TypeUserOffline
	}
	frame, err := protocol.NewFrame(eventType, protocol.StatusPayload{
		UserID:   id.ID,
		Username: id.DisplayName,
		Status:   status,
		IsGuest:  id.IsGuest,
	})
	if err != nil {
		slog.Error("failed to encode status event", "error", err)
		return
	}
	if err := e.bcast.BroadcastAll(ctx, frame, connID); err != nil {
		slog.Error("failed to broadcast status", "status", status, "user_id", id.ID, "error", err)
	}
}
