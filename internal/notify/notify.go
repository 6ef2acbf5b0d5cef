// Package notify delivers Message lifecycle notifications from the
// transactional outbox. Rows are written in the same transaction that
// changes the Message and are delivered at least once afterwards.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/mailflow/internal/domain"
)

// ErrNotFound is returned when an outbox row does not exist.
var ErrNotFound = errors.New("notification not found")

// Store is the outbox side of the repository.
type Store interface {
	// ClaimNotifications returns up to limit undelivered rows that are due
	// and hides them from other claimers for lease. Attempts is already
	// incremented on the returned rows.
	ClaimNotifications(ctx context.Context, limit int, lease time.Duration) ([]domain.Notification, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, reason string, retryAt time.Time) error
}

// Notifier hands one notification to the downstream collaborator.
// Implementations must tolerate duplicates.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n domain.Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n domain.Notification) error { return f(ctx, n) }

// IdempotencyKey identifies a notification across redeliveries.
func IdempotencyKey(n domain.Notification) string {
	return n.MessageID + ":" + string(n.Event)
}
