package models

import "time"

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// FileMeta is attached to image and file messages.
type FileMeta struct {
	URL  string `json:"fileUrl,omitempty"`
	Name string `json:"fileName,omitempty"`
	Size int64  `json:"fileSize,omitempty"`
}

type Message struct {
	ID             string      `json:"_id"`
	RoomID         string      `json:"room"`
	SenderID       string      `json:"sender"`
	SenderUsername string      `json:"senderUsername"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	*FileMeta
	Edited    bool       `json:"edited"`
	EditedAt  *time.Time `json:"editedAt"`
	ReadBy    []string   `json:"readBy"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Summary returns the denormalized room preview for m.
func (m *Message) Summary() *Summary {
	if m == nil {
		return nil
	}
	return &Summary{
		ID:             m.ID,
		Content:        m.Content,
		Sender:         m.SenderID,
		SenderUsername: m.SenderUsername,
		Type:           m.Type,
		CreatedAt:      m.CreatedAt,
		Edited:         m.Edited,
		EditedAt:       m.EditedAt,
	}
}
