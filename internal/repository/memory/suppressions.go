package memory

import (
	"context"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/service/suppression"
)

// Find implements suppression.Repository.
func (s *Store) Find(_ context.Context, identifier, address string) (*domain.SuppressionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.suppression {
		if e.Identifier == identifier && e.Address == address {
			cp := *e
			return &cp, nil
		}
	}
	return nil, suppression.ErrNotFound
}

// FindByOrigin implements suppression.Repository.
func (s *Store) FindByOrigin(_ context.Context, address string, origin domain.SuppressionOrigin) (*domain.SuppressionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.suppression {
		if e.Address == address && e.Origin == origin {
			cp := *e
			return &cp, nil
		}
	}
	return nil, suppression.ErrNotFound
}

// Insert implements suppression.Repository. Like the unique indexes in
// Postgres it rejects a second (identifier, address) pair and a second
// bounce entry for one address.
func (s *Store) Insert(_ context.Context, e *domain.SuppressionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.suppression {
		if x.Identifier == e.Identifier && x.Address == e.Address {
			return suppression.ErrDuplicate
		}
		if e.Origin == domain.OriginBounce && x.Origin == domain.OriginBounce && x.Address == e.Address {
			return suppression.ErrDuplicate
		}
	}
	e.ID = s.id()
	cp := *e
	s.suppression = append(s.suppression, &cp)
	return nil
}

// UpdateOrigin implements suppression.Repository.
func (s *Store) UpdateOrigin(_ context.Context, id int64, origin domain.SuppressionOrigin, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.suppression {
		if e.ID == id {
			e.Origin, e.CreatedAt = origin, at
			return nil
		}
	}
	return suppression.ErrNotFound
}

// ListByAddress implements suppression.Repository.
func (s *Store) ListByAddress(_ context.Context, addresses []string) ([]domain.SuppressionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entriesFor(addresses), nil
}

func (s *Store) entriesFor(addresses []string) []domain.SuppressionEntry {
	want := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		want[domain.NormalizeAddress(a)] = true
	}
	var out []domain.SuppressionEntry
	for _, e := range s.suppression {
		if want[e.Address] {
			out = append(out, *e)
		}
	}
	return out
}
