package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/umar/guestchat/internal/apperr"
)

// StreamSink appends jobs to Redis streams, one stream per kind, each capped
// at roughly MaxLen entries.
type StreamSink struct {
	client *redis.Client
	maxLen int64
}

func NewStreamSink(client *redis.Client, maxLen int64) *StreamSink {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &StreamSink{client: client, maxLen: maxLen}
}

func (s *StreamSink) Write(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: job.Kind.Stream(),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{"kind": string(job.Kind), "job": body},
	}).Err()
	if err != nil {
		return apperr.Unavailable("redis xadd "+job.Kind.Stream(), err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *StreamSink) Close() error { return nil }
