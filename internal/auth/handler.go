package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type guestRequest struct {
	Nickname string `json:"nickname"`
}

type authResponse struct {
	AccessToken string      `json:"access_token"`
	User        interface{} `json:"user"`
}

// Limiter caps guest session issuance per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ClientIP prefers the first X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GuestHandler issues a guest session. An empty body is accepted and yields
// the default nickname.
func GuestHandler(tokens *TokenService, limiter Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if limiter != nil {
			ok, err := limiter.Allow(r.Context(), ClientIP(r))
			if err != nil {
				slog.Error("guest rate limit check failed", "error", err)
				writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
				return
			}
			if !ok {
				writeError(w, http.StatusTooManyRequests, "too many guest sessions, try again later")
				return
			}
		}

		var req guestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		token, id, err := tokens.IssueGuest(req.Nickname)
		if err != nil {
			slog.Error("failed to issue guest token", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		slog.Info("guest session issued", "user_id", id.ID, "username", id.DisplayName)
		writeJSON(w, http.StatusCreated, authResponse{AccessToken: token, User: id})
	}
}

func MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeJSON(w, http.StatusOK, id)
	}
}
