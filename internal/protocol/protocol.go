// Package protocol is the websocket wire contract: event names, the frame
// envelope and payload shapes.
package protocol

import (
	"encoding/json"

	"github.com/umar/guestchat/internal/models"
)

const (
	TypeJoinRoom      = "joinRoom"
	TypeLeaveRoom     = "leaveRoom"
	TypeSendMessage   = "sendMessage"
	TypeEditMessage   = "editMessage"
	TypeDeleteMessage = "deleteMessage"
	TypeMarkAsRead    = "markAsRead"
	TypeTyping        = "typing"
	TypePing          = "ping"

	TypeNewMessage      = "newMessage"
	TypeMessageUpdated  = "messageUpdated"
	TypeMessageDeleted  = "messageDeleted"
	TypeRoomUpdated     = "roomUpdated"
	TypeRoomCreated     = "roomCreated"
	TypeUserJoinedRoom  = "userJoinedRoom"
	TypeUserLeftRoom    = "userLeftRoom"
	TypeRoomOnlineUsers = "roomOnlineUsers"
	TypeUserTyping      = "userTyping"
	TypeMessagesRead    = "messagesRead"
	TypeOnlineUsers     = "onlineUsers"
	TypeUserOnline      = "userOnline"
	TypeUserOffline     = "userOffline"
	TypeAck             = "ack"
	TypeError           = "error"
	TypePong            = "pong"
)

// Frame is the envelope for every websocket message. ID is set by clients
// that want an ack and echoed back in the reply.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type SendMessagePayload struct {
	Content  string `json:"content"`
	Room     string `json:"room"`
	Type     string `json:"type,omitempty"`
	FileURL  string `json:"fileUrl,omitempty"`
	FileName string `json:"fileName,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
}

type EditMessagePayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	Content   string `json:"content"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// MessageDeletedPayload carries the room's summary after the delete. When
// LastMessageUnknown is set the summary could not be recomputed and
// NewLastMessage must not be taken to mean the room is empty.
type MessageDeletedPayload struct {
	MessageID          string          `json:"messageId"`
	RoomID             string          `json:"roomId"`
	NewLastMessage     *models.Summary `json:"newLastMessage"`
	LastMessageUnknown bool            `json:"lastMessageUnknown,omitempty"`
}

type RoomUpdatedPayload struct {
	RoomID      string          `json:"roomId"`
	LastMessage *models.Summary `json:"lastMessage"`
}

type MemberEventPayload struct {
	UserID   string `json:"userId"`
	RoomID   string `json:"roomId"`
	Username string `json:"username,omitempty"`
}

type RoomOnlineUsersPayload struct {
	RoomID string          `json:"roomId"`
	Users  []models.Member `json:"users"`
}

type UserTypingPayload struct {
	UserID   string `json:"userId"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type MessagesReadPayload struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

type StatusPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Status   string `json:"status"`
	IsGuest  bool   `json:"isGuest"`
}

// AckPayload is the uniform reply to a client request.
type AckPayload struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func NewFrame(msgType string, payload any) ([]byte, error) {
	return NewReply(msgType, "", payload)
}

func NewReply(msgType, id string, payload any) ([]byte, error) {
	var p json.RawMessage
	if payload != nil {
		var err error
		p, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Frame{Type: msgType, ID: id, Payload: p})
}

func Success(data any) AckPayload {
	return AckPayload{Status: "success", Data: data}
}

func Failure(message string) AckPayload {
	return AckPayload{Status: "error", Message: message}
}
