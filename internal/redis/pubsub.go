package redisc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/umar/guestchat/internal/apperr"
)

type PubSub struct {
	client *redis.Client
}

func NewPubSub(client *redis.Client) *PubSub {
	return &PubSub{client: client}
}

func (p *PubSub) Publish(ctx context.Context, channel string, data []byte) error {
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return apperr.Unavailable("redis publish "+channel, err)
	}
	return nil
}

// Listener is a confirmed pattern subscription.
type Listener struct {
	ps       *redis.PubSub
	patterns []string
}

// Listen subscribes to patterns and waits for Redis to confirm every one,
// so publishes issued after Listen returns are never missed.
func (p *PubSub) Listen(ctx context.Context, patterns ...string) (*Listener, error) {
	ps := p.client.PSubscribe(ctx, patterns...)
	for range patterns {
		msg, err := ps.Receive(ctx)
		if err != nil {
			ps.Close()
			return nil, apperr.Unavailable("redis psubscribe", err)
		}
		if _, ok := msg.(*redis.Subscription); !ok {
			ps.Close()
			return nil, fmt.Errorf("redis psubscribe: unexpected reply %T", msg)
		}
	}
	return &Listener{ps: ps, patterns: patterns}, nil
}

// Run hands every received message to handler until ctx is done or the
// subscription is closed.
func (l *Listener) Run(ctx context.Context, handler func(channel string, data []byte)) error {
	defer l.ps.Close()

	ch := l.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			slog.Debug("pubsub message", "channel", msg.Channel)
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (l *Listener) Close() error {
	return l.ps.Close()
}
