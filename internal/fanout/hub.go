// Package fanout delivers frames to broadcast groups (a room or a user) on
// every instance. Publishes go through Redis pub/sub; each instance's Hub
// hands what it receives to the sinks it holds locally.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	redisc "github.com/umar/guestchat/internal/redis"
)

const (
	channelPrefix   = "chat:"
	roomListChannel = "chat:rooms"
)

// Sink is a locally held connection. Send must not block; it reports false
// when the frame was dropped.
type Sink interface {
	ID() string
	Send(data []byte) bool
}

// Broker is the cluster-wide transport, satisfied by *redisc.PubSub.
type Broker interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Listen(ctx context.Context, patterns ...string) (*redisc.Listener, error)
}

type envelope struct {
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

func RoomGroup(roomID string) string { return "room:" + roomID }
func UserGroup(userID string) string { return "user:" + userID }

type Hub struct {
	broker Broker

	mu     sync.RWMutex
	sinks  map[string]Sink
	groups map[string]map[string]Sink

	groupListener *redisc.Listener
	listListener  *redisc.Listener
}

func NewHub(broker Broker) *Hub {
	return &Hub{
		broker: broker,
		sinks:  make(map[string]Sink),
		groups: make(map[string]map[string]Sink),
	}
}

// Listen registers the two subscriptions this instance needs: one for group
// traffic and one for the room-list feed. It returns once both are confirmed.
func (h *Hub) Listen(ctx context.Context) error {
	groups, err := h.broker.Listen(ctx, channelPrefix+"room:*", channelPrefix+"user:*")
	if err != nil {
		return fmt.Errorf("failed to subscribe to group channels: %w", err)
	}
	list, err := h.broker.Listen(ctx, roomListChannel)
	if err != nil {
		groups.Close()
		return fmt.Errorf("failed to subscribe to room list channel: %w", err)
	}
	h.groupListener = groups
	h.listListener = list
	return nil
}

// Run delivers incoming traffic until ctx is done. Listen must have succeeded.
func (h *Hub) Run(ctx context.Context) error {
	if h.groupListener == nil || h.listListener == nil {
		return fmt.Errorf("fanout: Run called before Listen")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.groupListener.Run(ctx, h.deliverGroup)
	})
	g.Go(func() error {
		return h.listListener.Run(ctx, h.deliverAll)
	})
	return g.Wait()
}

// Attach registers a sink and subscribes it to its user's group.
func (h *Hub) Attach(sink Sink, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks[sink.ID()] = sink
	h.joinLocked(UserGroup(userID), sink)
}

// Detach drops the sink from every group.
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sinks, connID)
	for name, members := range h.groups {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, name)
		}
	}
}

// Subscribe adds an attached sink to a room group. It reports whether the
// sink was already a member.
func (h *Hub) Subscribe(connID, roomID string) (already bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sink, ok := h.sinks[connID]
	if !ok {
		return false, fmt.Errorf("fanout: connection %s is not attached", connID)
	}
	group := RoomGroup(roomID)
	if _, ok := h.groups[group][connID]; ok {
		return true, nil
	}
	h.joinLocked(group, sink)
	return false, nil
}

func (h *Hub) Unsubscribe(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group := RoomGroup(roomID)
	members := h.groups[group]
	delete(members, connID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

func (h *Hub) joinLocked(group string, sink Sink) {
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]Sink)
		h.groups[group] = members
	}
	members[sink.ID()] = sink
}

// LocalMembers is the number of sinks on this instance in group.
func (h *Hub) LocalMembers(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// BroadcastToRoom publishes frame to every connection joined to roomID on any
// instance, skipping exceptConn.
func (h *Hub) BroadcastToRoom(ctx context.Context, roomID string, frame []byte, exceptConn string) error {
	return h.publish(ctx, channelPrefix+RoomGroup(roomID), frame, exceptConn)
}

// SendToUser publishes frame to every connection of userID on any instance.
func (h *Hub) SendToUser(ctx context.Context, userID string, frame []byte) error {
	return h.publish(ctx, channelPrefix+UserGroup(userID), frame, "")
}

// BroadcastAll publishes to every connection on every instance. It carries
// the room-list feed and the global online feed.
func (h *Hub) BroadcastAll(ctx context.Context, frame []byte, exceptConn string) error {
	return h.publish(ctx, roomListChannel, frame, exceptConn)
}

func (h *Hub) publish(ctx context.Context, channel string, frame []byte, except string) error {
	data, err := json.Marshal(envelope{Except: except, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return h.broker.Publish(ctx, channel, data)
}

func (h *Hub) deliverGroup(channel string, data []byte) {
	env, ok := decode(channel, data)
	if !ok {
		return
	}
	group := strings.TrimPrefix(channel, channelPrefix)

	h.mu.RLock()
	targets := make([]Sink, 0, len(h.groups[group]))
	for id, sink := range h.groups[group] {
		if id != env.Except {
			targets = append(targets, sink)
		}
	}
	h.mu.RUnlock()

	h.send(targets, env.Frame, group)
}

func (h *Hub) deliverAll(channel string, data []byte) {
	env, ok := decode(channel, data)
	if !ok {
		return
	}

	h.mu.RLock()
	targets := make([]Sink, 0, len(h.sinks))
	for id, sink := range h.sinks {
		if id != env.Except {
			targets = append(targets, sink)
		}
	}
	h.mu.RUnlock()

	h.send(targets, env.Frame, channel)
}

func (h *Hub) send(targets []Sink, frame []byte, group string) {
	for _, sink := range targets {
		if !sink.Send(frame) {
			slog.Warn("dropped frame for slow connection", "conn_id", sink.ID(), "group", group)
		}
	}
}

func decode(channel string, data []byte) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Error("invalid fanout envelope", "channel", channel, "error", err)
		return env, false
	}
	return env, true
}
