package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"

	"github.com/umar/guestchat/internal/auth"
	"github.com/umar/guestchat/internal/models"
	"github.com/umar/guestchat/internal/protocol"
)

type MessageLister interface {
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	GetMessages(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error)
}

// GetMessages pages a room's history backwards. Each page is returned oldest
// first; X-Next-Cursor carries the oldest timestamp while more may remain.
func GetMessages(store MessageLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["id"]
		before, limit, err := pageParams(r)
		if err != nil {
			writeAppError(w, err)
			return
		}

		room, err := store.GetRoom(r.Context(), roomID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if room == nil {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}

		messages, err := store.GetMessages(r.Context(), roomID, before, limit)
		if err != nil {
			writeAppError(w, err)
			return
		}
		slices.Reverse(messages)
		if len(messages) == limit {
			setNextCursor(w, messages[0].CreatedAt)
		}
		writeJSON(w, http.StatusOK, messages)
	}
}

// MessageEditor is the message pipeline's edit and delete side. Changes made
// over REST are announced to the room the same way as websocket ones.
type MessageEditor interface {
	EditMessage(ctx context.Context, messageID string, requester models.Identity, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID string, requester models.Identity) (*protocol.MessageDeletedPayload, error)
}

type updateMessageRequest struct {
	Content string `json:"content"`
}

func UpdateMessage(editor MessageEditor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		var req updateMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		msg, err := editor.EditMessage(r.Context(), mux.Vars(r)["id"], id, req.Content)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func DeleteMessage(editor MessageEditor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		out, err := editor.DeleteMessage(r.Context(), mux.Vars(r)["id"], id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}
