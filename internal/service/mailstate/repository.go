package mailstate

import (
	"context"

	"github.com/ignite/mailflow/internal/domain"
)

// Repository defines the persistence contract for mails and their status
// history.
type Repository interface {
	// WithMailLock loads the mail row under an exclusive lock and runs fn in
	// the same unit of work. Writes made through tx are committed only when
	// fn returns nil. Returns ErrMailNotFound for an unknown identifier.
	WithMailLock(ctx context.Context, identifier string, fn func(ctx context.Context, m *domain.Mail, tx Tx) error) error

	// GetMail returns a snapshot of one mail. Returns ErrMailNotFound if missing.
	GetMail(ctx context.Context, identifier string) (*domain.Mail, error)

	// ListStatuses returns the status history of a mail ordered by insertion.
	ListStatuses(ctx context.Context, identifier string) ([]domain.MailStatus, error)

	// RecipientsOf returns the normalized recipients already attached to a parent.
	RecipientsOf(ctx context.Context, parentID string) (map[string]bool, error)

	// CreateMails inserts new mails together with their initial UNKNOWN status.
	CreateMails(ctx context.Context, mails []*domain.Mail) error
}

// Tx is the write side of a locked mail unit of work.
type Tx interface {
	AppendStatus(ctx context.Context, s *domain.MailStatus) error
	SaveMail(ctx context.Context, m *domain.Mail) error
}
