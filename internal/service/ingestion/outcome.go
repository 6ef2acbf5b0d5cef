package ingestion

import (
	"errors"

	"github.com/ignite/mailflow/internal/feedback"
	"github.com/ignite/mailflow/internal/service/mailstate"
)

// Outcome classifies how a task ended.
type Outcome string

const (
	// Done means every event of the task was applied.
	Done Outcome = "done"
	// Rejected means the task can never succeed: unparsable feedback,
	// unknown identifier or forbidden transition.
	Rejected Outcome = "rejected"
	// Retry means a transient failure; the task was re-enqueued.
	Retry Outcome = "retry"
	// DeadLetter means the retry budget is spent.
	DeadLetter Outcome = "dead_letter"
)

// classify maps a processing error to Done, Rejected or Retry.
func classify(err error) Outcome {
	switch {
	case err == nil:
		return Done
	case feedback.IsRejection(err),
		errors.Is(err, mailstate.ErrMailNotFound),
		errors.Is(err, mailstate.ErrForbiddenTransition),
		errors.Is(err, ErrUnknownTask),
		errors.Is(err, ErrMalformedTask):
		return Rejected
	default:
		return Retry
	}
}
