// Package pipeline validates, persists and fans out chat messages, and keeps
// each room's last-message summary in step with its message log.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/umar/guestchat/internal/apperr"
	"github.com/umar/guestchat/internal/jobs"
	"github.com/umar/guestchat/internal/models"
	"github.com/umar/guestchat/internal/protocol"
)

const MaxContentLength = 4000

// Store is the durable message log and room catalogue. Lookups return a nil
// record and a nil error when nothing matches.
type Store interface {
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	InsertMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	UpdateMessageContent(ctx context.Context, messageID, content string, editedAt time.Time) error
	DeleteMessage(ctx context.Context, messageID string) (bool, error)
	LatestMessage(ctx context.Context, roomID string) (*models.Message, error)
	// AdvanceRoomSummary installs s unless the room already shows a newer message.
	AdvanceRoomSummary(ctx context.Context, roomID string, s *models.Summary) error
	// ReplaceRoomSummary installs s only while the room still shows expectedID.
	ReplaceRoomSummary(ctx context.Context, roomID, expectedID string, s *models.Summary) (bool, error)
	MarkRead(ctx context.Context, roomID, userID string) (int64, error)
}

type Broadcaster interface {
	BroadcastToRoom(ctx context.Context, roomID string, frame []byte, exceptConn string) error
	BroadcastAll(ctx context.Context, frame []byte, exceptConn string) error
}

type Enqueuer interface {
	Enqueue(job jobs.Job) bool
}

type Pipeline struct {
	store Store
	bcast Broadcaster
	jobs  Enqueuer
	rooms singleflight.Group
	now   func() time.Time
}

func New(store Store, bcast Broadcaster, queue Enqueuer) *Pipeline {
	return &Pipeline{
		store: store,
		bcast: bcast,
		jobs:  queue,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// NewMessage is an inbound message before it is persisted.
type NewMessage struct {
	RoomID  string
	Content string
	Type    models.MessageType
	File    *models.FileMeta
}

func requireGuest(who models.Identity) error {
	if !who.IsGuest {
		return fmt.Errorf("only guests may post: %w", apperr.ErrForbidden)
	}
	return nil
}

// LookupRoom resolves roomID, collapsing concurrent lookups for the same room.
func (p *Pipeline) LookupRoom(ctx context.Context, roomID string) (*models.Room, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, fmt.Errorf("room id is required: %w", apperr.ErrValidation)
	}
	v, err, _ := p.rooms.Do(roomID, func() (interface{}, error) {
		return p.store.GetRoom(ctx, roomID)
	})
	if err != nil {
		return nil, err
	}
	room, _ := v.(*models.Room)
	if room == nil {
		return nil, fmt.Errorf("room %s: %w", roomID, apperr.ErrNotFound)
	}
	return room, nil
}

func validate(in NewMessage) (NewMessage, error) {
	if in.Type == "" {
		in.Type = models.MessageText
	}
	if !in.Type.Valid() || in.Type == models.MessageSystem {
		return in, fmt.Errorf("invalid message type %q: %w", in.Type, apperr.ErrValidation)
	}
	switch in.Type {
	case models.MessageText:
		if strings.TrimSpace(in.Content) == "" {
			return in, fmt.Errorf("content is required: %w", apperr.ErrValidation)
		}
		in.File = nil
	default:
		if in.File == nil || strings.TrimSpace(in.File.URL) == "" {
			return in, fmt.Errorf("file url is required for %s messages: %w", in.Type, apperr.ErrValidation)
		}
	}
	if utf8.RuneCountInString(in.Content) > MaxContentLength {
		return in, fmt.Errorf("content exceeds %d characters: %w", MaxContentLength, apperr.ErrValidation)
	}
	return in, nil
}

// CreateMessage persists a message from sender, points the room summary at
// it and announces it to the room and the room list.
func (p *Pipeline) CreateMessage(ctx context.Context, sender models.Identity, in NewMessage) (*models.Message, error) {
	if err := requireGuest(sender); err != nil {
		return nil, err
	}
	in, err := validate(in)
	if err != nil {
		return nil, err
	}
	if _, err := p.LookupRoom(ctx, in.RoomID); err != nil {
		return nil, err
	}

	msg := &models.Message{
		RoomID:         in.RoomID,
		SenderID:       sender.ID,
		SenderUsername: sender.DisplayName,
		Content:        in.Content,
		Type:           in.Type,
		FileMeta:       in.File,
		ReadBy:         []string{},
		CreatedAt:      p.now(),
	}
	if err := p.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	summary := msg.Summary()
	if err := p.store.AdvanceRoomSummary(ctx, msg.RoomID, summary); err != nil {
		// The message is stored; the next mutation in the room repairs the summary.
		slog.Error("failed to update room summary", "room_id", msg.RoomID, "message_id", msg.ID, "error", err)
	} else {
		p.publishRoomUpdated(ctx, msg.RoomID, summary)
	}
	p.publishToRoom(ctx, msg.RoomID, protocol.TypeNewMessage, msg)
	p.enqueueFor(msg)
	return msg, nil
}

func (p *Pipeline) enqueueFor(msg *models.Message) {
	if p.jobs == nil {
		return
	}
	base := jobs.Job{RoomID: msg.RoomID, MessageID: msg.ID, UserID: msg.SenderID, CreatedAt: msg.CreatedAt}

	notify := base
	notify.Kind = jobs.KindNotification
	p.jobs.Enqueue(notify)

	if msg.FileMeta != nil {
		file := base
		file.Kind = jobs.KindFileProcessing
		file.Data = map[string]string{"fileUrl": msg.FileMeta.URL, "fileName": msg.FileMeta.Name, "type": string(msg.Type)}
		p.jobs.Enqueue(file)
	}

	analytics := base
	analytics.Kind = jobs.KindAnalytics
	analytics.Data = map[string]string{"event": "message_sent", "type": string(msg.Type)}
	p.jobs.Enqueue(analytics)
}

// ownMessage loads messageID and checks that requester sent it.
func (p *Pipeline) ownMessage(ctx context.Context, messageID string, requester models.Identity) (*models.Message, error) {
	if err := requireGuest(requester); err != nil {
		return nil, err
	}
	if strings.TrimSpace(messageID) == "" {
		return nil, fmt.Errorf("message id is required: %w", apperr.ErrValidation)
	}
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s: %w", messageID, apperr.ErrNotFound)
	}
	if msg.SenderID != requester.ID {
		return nil, fmt.Errorf("message %s belongs to another sender: %w", messageID, apperr.ErrForbidden)
	}
	return msg, nil
}

// EditMessage replaces the content of requester's own message. When it is the
// room's current summary the summary is refreshed too.
func (p *Pipeline) EditMessage(ctx context.Context, messageID string, requester models.Identity, content string) (*models.Message, error) {
	msg, err := p.ownMessage(ctx, messageID, requester)
	if err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("content is required: %w", apperr.ErrValidation)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, fmt.Errorf("content exceeds %d characters: %w", MaxContentLength, apperr.ErrValidation)
	}

	editedAt := p.now()
	if err := p.store.UpdateMessageContent(ctx, msg.ID, content, editedAt); err != nil {
		return nil, err
	}
	msg.Content = content
	msg.Edited = true
	msg.EditedAt = &editedAt

	summary := msg.Summary()
	replaced, err := p.store.ReplaceRoomSummary(ctx, msg.RoomID, msg.ID, summary)
	if err != nil {
		slog.Error("failed to refresh room summary", "room_id", msg.RoomID, "message_id", msg.ID, "error", err)
	} else if replaced {
		p.publishRoomUpdated(ctx, msg.RoomID, summary)
	}
	p.publishToRoom(ctx, msg.RoomID, protocol.TypeMessageUpdated, msg)
	return msg, nil
}

// DeleteMessage removes requester's own message and recomputes the room
// summary. The returned summary is what the room shows afterwards; nil means
// the room has no messages left.
func (p *Pipeline) DeleteMessage(ctx context.Context, messageID string, requester models.Identity) (*protocol.MessageDeletedPayload, error) {
	msg, err := p.ownMessage(ctx, messageID, requester)
	if err != nil {
		return nil, err
	}
	deleted, err := p.store.DeleteMessage(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, fmt.Errorf("message %s: %w", messageID, apperr.ErrNotFound)
	}

	out := &protocol.MessageDeletedPayload{MessageID: msg.ID, RoomID: msg.RoomID}
	summary, err := p.recomputeSummary(ctx, msg.RoomID, msg.ID)
	if err != nil {
		slog.Error("failed to recompute room summary", "room_id", msg.RoomID, "message_id", msg.ID, "error", err)
		p.dropDeletedSummary(ctx, msg.RoomID, msg.ID)
		out.LastMessageUnknown = true
		p.publishToRoom(ctx, msg.RoomID, protocol.TypeMessageDeleted, out)
		return out, nil
	}

	out.NewLastMessage = summary
	p.publishToRoom(ctx, msg.RoomID, protocol.TypeMessageDeleted, out)
	p.publishRoomUpdated(ctx, msg.RoomID, summary)
	return out, nil
}

// dropDeletedSummary clears the room summary if it still shows deletedID, so
// deleted content is never previewed. The next message in the room restores it.
func (p *Pipeline) dropDeletedSummary(ctx context.Context, roomID, deletedID string) {
	if _, err := p.store.ReplaceRoomSummary(ctx, roomID, deletedID, nil); err != nil {
		slog.Error("failed to clear deleted room summary", "room_id", roomID, "message_id", deletedID, "error", err)
	}
}

// recomputeSummary swaps the deleted message out of the room summary for the
// newest remaining one. If the summary pointed elsewhere it is left alone
// unless the newest remaining message is newer than what it shows.
func (p *Pipeline) recomputeSummary(ctx context.Context, roomID, deletedID string) (*models.Summary, error) {
	latest, err := p.store.LatestMessage(ctx, roomID)
	if err != nil {
		return nil, err
	}
	next := latest.Summary()

	replaced, err := p.store.ReplaceRoomSummary(ctx, roomID, deletedID, next)
	if err != nil {
		return nil, err
	}
	if replaced {
		return next, nil
	}
	if next != nil {
		if err := p.store.AdvanceRoomSummary(ctx, roomID, next); err != nil {
			return nil, err
		}
	}
	room, err := p.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, nil
	}
	return room.LastMessage, nil
}

// MarkRead records that reader has seen every message in roomID and tells
// the room. The count of newly marked messages is returned.
func (p *Pipeline) MarkRead(ctx context.Context, roomID string, reader models.Identity) (int64, error) {
	if err := requireGuest(reader); err != nil {
		return 0, err
	}
	if _, err := p.LookupRoom(ctx, roomID); err != nil {
		return 0, err
	}
	n, err := p.store.MarkRead(ctx, roomID, reader.ID)
	if err != nil {
		return 0, err
	}
	p.publishToRoom(ctx, roomID, protocol.TypeMessagesRead, protocol.MessagesReadPayload{UserID: reader.ID, RoomID: roomID})
	return n, nil
}

func (p *Pipeline) publishToRoom(ctx context.Context, roomID, eventType string, payload any) {
	frame, err := protocol.NewFrame(eventType, payload)
	if err != nil {
		slog.Error("failed to encode event", "event", eventType, "error", err)
		return
	}
	if err := p.bcast.BroadcastToRoom(ctx, roomID, frame, ""); err != nil {
		slog.Error("failed to broadcast", "event", eventType, "room_id", roomID, "error", err)
	}
}

func (p *Pipeline) publishRoomUpdated(ctx context.Context, roomID string, summary *models.Summary) {
	frame, err := protocol.NewFrame(protocol.TypeRoomUpdated, protocol.RoomUpdatedPayload{RoomID: roomID, LastMessage: summary})
	if err != nil {
		slog.Error("failed to encode room update", "error", err)
		return
	}
	if err := p.bcast.BroadcastAll(ctx, frame, ""); err != nil {
		slog.Error("failed to broadcast room update", "room_id", roomID, "error", err)
	}
}
