package redisc

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/umar/guestchat/internal/apperr"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`)

// WindowLimiter allows limit hits per key per window across all instances.
type WindowLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func NewWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *WindowLimiter {
	if window < time.Second {
		window = time.Second
	}
	return &WindowLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

func (l *WindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + key}, l.limit, int(l.window.Seconds())).Int()
	if err != nil {
		return false, apperr.Unavailable("redis rate limit", err)
	}
	return res == 1, nil
}
