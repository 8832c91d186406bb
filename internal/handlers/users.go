package handlers

import (
	"context"
	"net/http"

	"github.com/umar/guestchat/internal/protocol"
)

type OnlineLister interface {
	OnlineUsers(ctx context.Context) ([]protocol.StatusPayload, error)
}

// OnlineUsers lists every identity with a live connection on any instance.
func OnlineUsers(presence OnlineLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := presence.OnlineUsers(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		if users == nil {
			users = []protocol.StatusPayload{}
		}
		writeJSON(w, http.StatusOK, users)
	}
}
