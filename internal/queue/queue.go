// Package queue defines the task queue contract used by the ingestion
// pipeline. Backends live in the redisq and sqsq subpackages; both give
// at-least-once delivery and no ordering guarantee.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by a backend after Close.
var ErrClosed = errors.New("queue closed")

// Priority orders ready tasks within one backend. Higher runs first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// Priorities lists every priority, highest first.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Task is one unit of ingestion work.
type Task struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Payload     []byte   `json:"payload"`
	EnvelopeTo  string   `json:"envelope_to,omitempty"`
	Priority    Priority `json:"priority"`
	Attempt     int      `json:"attempt"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
	// FirstAttemptAt anchors the retry budget.
	FirstAttemptAt time.Time `json:"first_attempt_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// NewTask builds a task with a fresh id.
func NewTask(kind string, payload []byte, envelopeTo string) Task {
	return Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		EnvelopeTo: envelopeTo,
		Priority:   PriorityNormal,
	}
}

// Options control one Enqueue call.
type Options struct {
	// RetryDelay postpones visibility of the task.
	RetryDelay time.Duration
	// MaxRetries caps attempts for this task; zero keeps the task's value.
	MaxRetries int
	Priority   Priority
}

// TaskQueue is the producer side.
type TaskQueue interface {
	Enqueue(ctx context.Context, t Task, opts Options) error
}

// Delivery is a received task plus the backend handle needed to settle it.
type Delivery struct {
	Task    Task
	Receipt string
}

// Consumer is the worker side. Receive returns (nil, nil) when no task is
// ready within the backend's poll window.
type Consumer interface {
	Receive(ctx context.Context) (*Delivery, error)
	// Ack removes a settled delivery.
	Ack(ctx context.Context, d *Delivery) error
	// Nack makes the delivery visible again for another worker.
	Nack(ctx context.Context, d *Delivery) error
}

// Apply folds opts into t before it is stored.
func (t Task) Apply(opts Options) Task {
	if opts.MaxRetries > 0 {
		t.MaxAttempts = opts.MaxRetries
	}
	if opts.Priority != PriorityLow {
		t.Priority = opts.Priority
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return t
}
