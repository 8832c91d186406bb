package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"

	"github.com/umar/guestchat/internal/apperr"
	"github.com/umar/guestchat/internal/auth"
	"github.com/umar/guestchat/internal/models"
	"github.com/umar/guestchat/internal/protocol"
)

const maxRoomNameLen = 100

type RoomStore interface {
	CreateRoom(ctx context.Context, r *models.Room) error
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	ListRooms(ctx context.Context, before time.Time, limit int) ([]models.Room, error)
}

// RoomNotifier announces new rooms: public ones to every connection, private
// ones to the owner's own connections.
type RoomNotifier interface {
	BroadcastAll(ctx context.Context, frame []byte, exceptConn string) error
	SendToUser(ctx context.Context, userID string, frame []byte) error
}

type createRoomRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Type        models.Visibility `json:"type"`
}

func (req *createRoomRequest) validate() error {
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	if req.Name == "" {
		return fmt.Errorf("name is required: %w", apperr.ErrValidation)
	}
	if utf8.RuneCountInString(req.Name) > maxRoomNameLen {
		return fmt.Errorf("name exceeds %d characters: %w", maxRoomNameLen, apperr.ErrValidation)
	}
	if req.Type == "" {
		req.Type = models.RoomPublic
	}
	if !req.Type.Valid() {
		return fmt.Errorf("invalid room type %q: %w", req.Type, apperr.ErrValidation)
	}
	return nil
}

func ListRooms(store RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		before, limit, err := pageParams(r)
		if err != nil {
			writeAppError(w, err)
			return
		}
		rooms, err := store.ListRooms(r.Context(), before, limit)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if len(rooms) == limit {
			setNextCursor(w, rooms[len(rooms)-1].UpdatedAt)
		}
		writeJSON(w, http.StatusOK, rooms)
	}
}

func CreateRoom(store RoomStore, notify RoomNotifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !id.IsGuest {
			writeError(w, http.StatusForbidden, "only guests can create rooms")
			return
		}

		var req createRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := req.validate(); err != nil {
			writeAppError(w, err)
			return
		}

		room := &models.Room{
			Name:          req.Name,
			Description:   req.Description,
			Type:          req.Type,
			OwnerID:       id.ID,
			OwnerUsername: id.DisplayName,
		}
		if err := store.CreateRoom(r.Context(), room); err != nil {
			writeAppError(w, err)
			return
		}
		announceRoom(r.Context(), notify, room)
		writeJSON(w, http.StatusCreated, room)
	}
}

func announceRoom(ctx context.Context, notify RoomNotifier, room *models.Room) {
	if notify == nil {
		return
	}
	frame, err := protocol.NewFrame(protocol.TypeRoomCreated, room)
	if err != nil {
		slog.Error("failed to encode room", "room_id", room.ID, "error", err)
		return
	}
	if room.Type == models.RoomPublic {
		err = notify.BroadcastAll(ctx, frame, "")
	} else {
		err = notify.SendToUser(ctx, room.OwnerID, frame)
	}
	if err != nil {
		slog.Error("failed to announce room", "room_id", room.ID, "error", err)
	}
}

func GetRoom(store RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := store.GetRoom(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeAppError(w, err)
			return
		}
		if room == nil {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}
