package redisc

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/umar/guestchat/internal/apperr"
)

// acquireScript increments a connection count and keeps the member in the
// set while the count is positive. KEYS[1]=counter KEYS[2]=set ARGV[1]=member.
var acquireScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n >= 1 then
	redis.call('SADD', KEYS[2], ARGV[1])
end
return n
`)

// releaseScript is the inverse: once the count drops to zero the member is
// removed and the counter key cleared.
var releaseScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
	redis.call('SREM', KEYS[2], ARGV[1])
	redis.call('DEL', KEYS[1])
end
return n
`)

// PresenceStore wraps every call in its own deadline so a stalled Redis
// surfaces as apperr.ErrUnavailable instead of blocking the caller.
type PresenceStore struct {
	client  *redis.Client
	timeout time.Duration
}

func NewPresenceStore(client *redis.Client, timeout time.Duration) *PresenceStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PresenceStore{client: client, timeout: timeout}
}

func (s *PresenceStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Acquire atomically increments counterKey and adds member to setKey.
// It returns the count after the increment.
func (s *PresenceStore) Acquire(ctx context.Context, counterKey, setKey, member string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := acquireScript.Run(ctx, s.client, []string{counterKey, setKey}, member).Int64()
	if err != nil {
		return 0, apperr.Unavailable("redis acquire "+counterKey, err)
	}
	return n, nil
}

// Release atomically decrements counterKey; at zero the member leaves setKey.
// It returns the count after the decrement.
func (s *PresenceStore) Release(ctx context.Context, counterKey, setKey, member string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := releaseScript.Run(ctx, s.client, []string{counterKey, setKey}, member).Int64()
	if err != nil {
		return 0, apperr.Unavailable("redis release "+counterKey, err)
	}
	return n, nil
}

func (s *PresenceStore) Members(ctx context.Context, setKey string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	members, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, apperr.Unavailable("redis smembers "+setKey, err)
	}
	return members, nil
}

func nameKey(userID string) string {
	return "user:" + userID + ":name"
}

// SetName records a display name that expires after ttl unless refreshed.
func (s *PresenceStore) SetName(ctx context.Context, userID, name string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.Set(ctx, nameKey(userID), name, ttl).Err(); err != nil {
		return apperr.Unavailable("redis set name", err)
	}
	return nil
}

// RefreshName extends the expiry of a recorded display name.
func (s *PresenceStore) RefreshName(ctx context.Context, userID string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.Expire(ctx, nameKey(userID), ttl).Err(); err != nil {
		return apperr.Unavailable("redis expire name", err)
	}
	return nil
}

// Names resolves display names; unknown ids are absent from the result.
func (s *PresenceStore) Names(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = nameKey(id)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperr.Unavailable("redis mget names", err)
	}
	for i, v := range vals {
		if str, ok := v.(string); ok && str != "" {
			names[userIDs[i]] = str
		}
	}
	return names, nil
}
