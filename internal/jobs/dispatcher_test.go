package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu     sync.Mutex
	jobs   []Job
	fail   bool
	closed bool
}

func (s *memorySink) Write(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memorySink) written() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

func TestDispatcher_DrainsOnStop(t *testing.T) {
	sink := &memorySink{}
	d := NewDispatcher(sink, DispatcherConfig{Workers: 3, Buffer: 64})
	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	for i := 0; i < 50; i++ {
		require.True(t, d.Enqueue(Job{Kind: KindAnalytics, RoomID: "r1"}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	jobs := sink.written()
	assert.Len(t, jobs, 50)
	assert.False(t, jobs[0].CreatedAt.IsZero())
	assert.True(t, sink.closed)
	assert.False(t, d.Enqueue(Job{Kind: KindAnalytics}), "stopped dispatcher rejects jobs")
	assert.NoError(t, d.Stop(ctx))
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(&memorySink{}, DispatcherConfig{Workers: 1, Buffer: 2})

	// Not started, so nothing drains the queue.
	assert.True(t, d.Enqueue(Job{Kind: KindNotification}))
	assert.True(t, d.Enqueue(Job{Kind: KindNotification}))
	assert.False(t, d.Enqueue(Job{Kind: KindNotification}))
	assert.Equal(t, uint64(1), d.Dropped())
}

func TestDispatcher_SinkFailureIsSwallowed(t *testing.T) {
	sink := &memorySink{fail: true}
	d := NewDispatcher(sink, DispatcherConfig{Workers: 1, Buffer: 4})
	require.NoError(t, d.Start())
	assert.True(t, d.Enqueue(Job{Kind: KindFileProcessing}))
	require.NoError(t, d.Stop(context.Background()))
	assert.Empty(t, sink.written())
}

func TestKind_Stream(t *testing.T) {
	assert.Equal(t, "chat:notifications", KindNotification.Stream())
	assert.Equal(t, "chat:file-processing", KindFileProcessing.Stream())
	assert.Equal(t, "chat:analytics", KindAnalytics.Stream())
}
