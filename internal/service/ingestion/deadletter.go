package ingestion

import (
	"context"
	"time"

	"github.com/ignite/mailflow/internal/queue"
)

// DeadLetterEntry is a task whose retry budget ran out.
type DeadLetterEntry struct {
	ID             int64     `json:"id"`
	TaskID         string    `json:"task_id" dynamodbav:"task_id"`
	Kind           string    `json:"kind" dynamodbav:"kind"`
	Payload        []byte    `json:"payload" dynamodbav:"-"`
	EnvelopeTo     string    `json:"envelope_to,omitempty" dynamodbav:"envelope_to,omitempty"`
	Attempts       int       `json:"attempts" dynamodbav:"attempts"`
	FirstAttemptAt time.Time `json:"first_attempt_at" dynamodbav:"first_attempt_at"`
	FailedAt       time.Time `json:"failed_at" dynamodbav:"failed_at"`
	LastError      string    `json:"last_error" dynamodbav:"last_error"`
}

// Task rebuilds a fresh task from the entry, with a reset retry budget.
func (e DeadLetterEntry) Task() queue.Task {
	t := queue.NewTask(e.Kind, e.Payload, e.EnvelopeTo)
	t.ID = e.TaskID
	return t
}

// DeadLetterSink receives tasks that exhausted their retry budget.
type DeadLetterSink interface {
	PutDeadLetter(ctx context.Context, e *DeadLetterEntry) error
}

// DeadLetterStore is a sink that operators can list and replay from.
type DeadLetterStore interface {
	DeadLetterSink
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, id int64) (*DeadLetterEntry, error)
	DeleteDeadLetter(ctx context.Context, id int64) error
}

// MultiSink writes to every sink; the first sink is authoritative and
// failures of the others are logged only.
type MultiSink []DeadLetterSink

func (m MultiSink) PutDeadLetter(ctx context.Context, e *DeadLetterEntry) error {
	if len(m) == 0 {
		return nil
	}
	if err := m[0].PutDeadLetter(ctx, e); err != nil {
		return err
	}
	for _, s := range m[1:] {
		if err := s.PutDeadLetter(ctx, e); err != nil {
			logTaskError("dead letter archive failed", e.TaskID, e.Kind, err)
		}
	}
	return nil
}
