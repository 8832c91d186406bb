package auth

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/umar/guestchat/internal/apperr"
	"github.com/umar/guestchat/internal/models"
)

const (
	guestPrefix     = "guest_"
	maxNicknameLen  = 30
	defaultNickname = "Guest"
)

// Claims carries the identity explicitly so nothing downstream has to parse
// it back out of the subject.
type Claims struct {
	Username string `json:"username"`
	IsGuest  bool   `json:"isGuest"`
	jwt.RegisteredClaims
}

// Verifier turns a bearer credential into an identity.
type Verifier interface {
	Verify(token string) (models.Identity, error)
}

type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret, issuer string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// NormalizeNickname trims and truncates a requested display name.
func NormalizeNickname(nickname string) string {
	nickname = strings.Join(strings.Fields(nickname), " ")
	if nickname == "" {
		return defaultNickname
	}
	if utf8.RuneCountInString(nickname) > maxNicknameLen {
		nickname = string([]rune(nickname)[:maxNicknameLen])
	}
	return nickname
}

// IssueGuest mints a fresh guest identity and its signed token.
func (s *TokenService) IssueGuest(nickname string) (string, models.Identity, error) {
	id := models.Identity{
		ID:          guestPrefix + uuid.NewString(),
		DisplayName: NormalizeNickname(nickname),
		IsGuest:     true,
	}
	token, err := s.sign(id)
	if err != nil {
		return "", models.Identity{}, err
	}
	return token, id, nil
}

func (s *TokenService) sign(id models.Identity) (string, error) {
	now := s.now()
	claims := Claims{
		Username: id.DisplayName,
		IsGuest:  id.IsGuest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *TokenService) Verify(tokenString string) (models.Identity, error) {
	if tokenString == "" {
		return models.Identity{}, fmt.Errorf("missing token: %w", apperr.ErrUnauthorized)
	}
	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.now)}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return models.Identity{}, fmt.Errorf("invalid token: %w: %w", apperr.ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return models.Identity{}, fmt.Errorf("invalid token: %w", apperr.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return models.Identity{}, fmt.Errorf("token has no subject: %w", apperr.ErrUnauthorized)
	}
	return models.Identity{ID: claims.Subject, DisplayName: claims.Username, IsGuest: claims.IsGuest}, nil
}

// RequireGuest rejects identities that are not guest sessions.
func RequireGuest(id models.Identity) error {
	if !id.IsGuest {
		return fmt.Errorf("only guest sessions are accepted: %w", apperr.ErrUnauthorized)
	}
	return nil
}
