package suppression

import (
	"context"
	"time"

	"github.com/ignite/mailflow/internal/domain"
)

// Repository defines the data access contract for suppression entries and
// the bounce history they are derived from.
type Repository interface {
	// Find returns the entry for an (identifier, address) pair, or ErrNotFound.
	Find(ctx context.Context, identifier, address string) (*domain.SuppressionEntry, error)

	// FindByOrigin returns any entry for address with the given origin, or ErrNotFound.
	FindByOrigin(ctx context.Context, address string, origin domain.SuppressionOrigin) (*domain.SuppressionEntry, error)

	// Insert creates an entry. Returns ErrDuplicate when a concurrent writer
	// created the same (identifier, address) pair first.
	Insert(ctx context.Context, e *domain.SuppressionEntry) error

	// UpdateOrigin re-triggers an existing entry with a new origin and time.
	UpdateOrigin(ctx context.Context, id int64, origin domain.SuppressionOrigin, at time.Time) error

	// ListByAddress returns every entry for the given addresses.
	ListByAddress(ctx context.Context, addresses []string) ([]domain.SuppressionEntry, error)

	// BounceHistory returns the BOUNCED and DROPPED statuses recorded for
	// address since the given time, across campaign and transactional mail.
	BounceHistory(ctx context.Context, address string, since time.Time) ([]BounceRecord, error)
}

// BounceRecord is one historical BOUNCED or DROPPED observation.
type BounceRecord struct {
	Identifier string
	Status     domain.Status
	StatusCode string
	CreatedAt  time.Time
}

// Mirror pushes new suppressions to an external list (e.g. the ESP
// account suppression list).
type Mirror interface {
	Suppress(ctx context.Context, e domain.SuppressionEntry) error
}
