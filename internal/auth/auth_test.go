package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umar/guestchat/internal/apperr"
	"github.com/umar/guestchat/internal/models"
)

func TestIssueAndVerify(t *testing.T) {
	svc := NewTokenService("secret", "guestchat", time.Hour)

	token, id, err := svc.IssueGuest("  Ada   Lovelace ")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id.ID, "guest_"))
	assert.Equal(t, "Ada Lovelace", id.DisplayName)
	assert.True(t, id.IsGuest)

	got, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestVerify_Rejects(t *testing.T) {
	svc := NewTokenService("secret", "guestchat", time.Hour)
	token, _, err := svc.IssueGuest("x")
	require.NoError(t, err)

	_, err = NewTokenService("other", "guestchat", time.Hour).Verify(token)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = NewTokenService("secret", "someone-else", time.Hour).Verify(token)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = svc.Verify("")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	expired := NewTokenService("secret", "guestchat", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, _, err := expired.IssueGuest("x")
	require.NoError(t, err)
	_, err = svc.Verify(old)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		IsGuest:          true,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "guest_x", Issuer: "guestchat"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.Verify(none)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestVerify_NonGuestClaims(t *testing.T) {
	svc := NewTokenService("secret", "", time.Hour)
	token, err := svc.sign(models.Identity{ID: "user-1", DisplayName: "member"})
	require.NoError(t, err)

	id, err := svc.Verify(token)
	require.NoError(t, err)
	assert.False(t, id.IsGuest)
	assert.ErrorIs(t, RequireGuest(id), apperr.ErrUnauthorized)
}

func TestNormalizeNickname(t *testing.T) {
	assert.Equal(t, "Guest", NormalizeNickname("   "))
	assert.Equal(t, 30, len([]rune(NormalizeNickname(strings.Repeat("é", 40)))))
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=fromquery", nil)
	assert.Equal(t, "fromquery", BearerToken(r))

	r.Header.Set("Authorization", "Bearer fromheader")
	assert.Equal(t, "fromheader", BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", BearerToken(r))
}

type stubLimiter struct{ allow bool }

func (l stubLimiter) Allow(context.Context, string) (bool, error) { return l.allow, nil }

func TestGuestHandlerAndMe(t *testing.T) {
	svc := NewTokenService("secret", "guestchat", time.Hour)

	rec := httptest.NewRecorder()
	GuestHandler(svc, stubLimiter{allow: true}).ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/api/auth/guest", strings.NewReader(`{"nickname":"zed"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		AccessToken string          `json:"access_token"`
		User        models.Identity `json:"user"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "zed", resp.User.DisplayName)

	me := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	me.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	rec = httptest.NewRecorder()
	JWTMiddleware(svc)(MeHandler()).ServeHTTP(rec, me)
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.Identity
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, resp.User, got)
}

func TestGuestHandler_EmptyBodyAndLimit(t *testing.T) {
	svc := NewTokenService("secret", "", time.Hour)

	rec := httptest.NewRecorder()
	GuestHandler(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/guest", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	GuestHandler(svc, stubLimiter{}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/guest", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = httptest.NewRecorder()
	GuestHandler(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/guest", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	svc := NewTokenService("secret", "", time.Hour)
	h := JWTMiddleware(svc)(MeHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	r := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", ClientIP(r))
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	assert.Equal(t, "1.2.3.4", ClientIP(r))
}
