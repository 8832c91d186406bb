package redisc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPubSub_ListenReceivesMatchingChannels(t *testing.T) {
	_, client := newTestClient(t)
	ps := NewPubSub(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := ps.Listen(ctx, "chat:room:*")
	require.NoError(t, err)

	type got struct {
		channel string
		data    string
	}
	received := make(chan got, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx, func(channel string, data []byte) {
			received <- got{channel, string(data)}
		})
	}()

	require.NoError(t, ps.Publish(ctx, "chat:other", []byte("skip")))
	require.NoError(t, ps.Publish(ctx, "chat:room:r1", []byte("hello")))

	select {
	case g := <-received:
		assert.Equal(t, "chat:room:r1", g.channel)
		assert.Equal(t, "hello", g.data)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
