package models

import "time"

type Visibility string

const (
	RoomPublic  Visibility = "public"
	RoomPrivate Visibility = "private"
)

func (v Visibility) Valid() bool {
	return v == RoomPublic || v == RoomPrivate
}

// Summary is the cached copy of a room's newest message.
type Summary struct {
	ID             string      `json:"_id"`
	Content        string      `json:"content"`
	Sender         string      `json:"sender"`
	SenderUsername string      `json:"senderUsername"`
	Type           MessageType `json:"type"`
	CreatedAt      time.Time   `json:"createdAt"`
	Edited         bool        `json:"edited"`
	EditedAt       *time.Time  `json:"editedAt"`
}

type Room struct {
	ID            string     `json:"_id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Type          Visibility `json:"type"`
	OwnerID       string     `json:"guestOwner"`
	OwnerUsername string     `json:"guestOwnerUsername"`
	LastMessage   *Summary   `json:"lastMessageSummary"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}
