package aggregation

import (
	"context"

	"github.com/ignite/mailflow/internal/domain"
)

// Repository defines the persistence contract for Message aggregates.
type Repository interface {
	// WithMessageLock loads the message row under an exclusive lock and runs
	// fn in the same transaction. Writes through tx commit only when fn
	// returns nil. Returns ErrMessageNotFound for an unknown id.
	WithMessageLock(ctx context.Context, messageID string, fn func(ctx context.Context, msg *domain.Message, tx Tx) error) error

	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	GetBatch(ctx context.Context, batchID string) (*domain.MailBatch, error)

	// CountByStatus returns the number of mails per current status.
	CountByStatus(ctx context.Context, messageID string) (map[domain.Status]int, error)
}

// Tx is the read-write side of a locked Message unit of work.
type Tx interface {
	// PendingRecipients returns the recipient of every mail under the
	// message whose current status is not final, one entry per mail.
	PendingRecipients(ctx context.Context, messageID string) ([]string, error)

	// Suppressions returns the entries recorded for the given addresses.
	Suppressions(ctx context.Context, addresses []string) ([]domain.SuppressionEntry, error)

	SaveMessage(ctx context.Context, msg *domain.Message) error

	// AddNotification writes an outbox row delivered after commit.
	AddNotification(ctx context.Context, n *domain.Notification) error
}
