// Package jobs is the fire-and-forget background queue. Producers never wait
// for a job to be written and are never told if it was lost.
package jobs

import (
	"context"
	"time"
)

type Kind string

const (
	KindNotification   Kind = "notification"
	KindFileProcessing Kind = "file-processing"
	KindAnalytics      Kind = "analytics"
)

// Stream is the stream or topic a kind of job is written to.
func (k Kind) Stream() string {
	switch k {
	case KindNotification:
		return "chat:notifications"
	case KindFileProcessing:
		return "chat:file-processing"
	default:
		return "chat:analytics"
	}
}

type Job struct {
	Kind      Kind              `json:"kind"`
	RoomID    string            `json:"roomId"`
	MessageID string            `json:"messageId,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Sink writes a job to durable queue storage.
type Sink interface {
	Write(ctx context.Context, job Job) error
	Close() error
}

// Nop discards every job.
type Nop struct{}

func (Nop) Write(context.Context, Job) error { return nil }
func (Nop) Close() error                     { return nil }
