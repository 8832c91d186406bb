package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type DispatcherConfig struct {
	Workers      int
	Buffer       int
	WriteTimeout time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{Workers: 2, Buffer: 256, WriteTimeout: 5 * time.Second}
}

// Dispatcher hands jobs to a sink from a bounded queue drained by a fixed
// number of workers.
type Dispatcher struct {
	cfg   DispatcherConfig
	sink  Sink
	queue chan Job
	wg    sync.WaitGroup

	mu      sync.Mutex
	running bool
	closed  bool
	dropped uint64
}

func NewDispatcher(sink Sink, cfg DispatcherConfig) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Dispatcher{cfg: cfg, sink: sink, queue: make(chan Job, cfg.Buffer)}
}

func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher is already running")
	}
	if d.closed {
		return fmt.Errorf("dispatcher is stopped")
	}
	d.running = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func(worker int) {
			defer d.wg.Done()
			d.work(worker)
		}(i + 1)
	}
	slog.Info("job dispatcher started", "workers", d.cfg.Workers, "buffer", d.cfg.Buffer)
	return nil
}

func (d *Dispatcher) work(worker int) {
	for job := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
		if err := d.sink.Write(ctx, job); err != nil {
			slog.Warn("failed to write job", "worker", worker, "kind", job.Kind, "room_id", job.RoomID, "error", err)
		}
		cancel()
	}
}

// Enqueue queues job without blocking. It reports false when the queue is
// full or the dispatcher has stopped; the job is then dropped.
func (d *Dispatcher) Enqueue(job Job) bool {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- job:
		return true
	default:
		d.dropped++
		slog.Warn("job queue full, dropping job", "kind", job.Kind, "room_id", job.RoomID)
		return false
	}
}

// Dropped is the number of jobs rejected because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Stop refuses new jobs, lets the workers drain what is queued and closes
// the sink. It gives up waiting when ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("job dispatcher stopped")
	case <-ctx.Done():
		return fmt.Errorf("job dispatcher stop: %w", ctx.Err())
	}
	return d.sink.Close()
}
