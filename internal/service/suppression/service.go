package suppression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
)

// Change describes what an upsert did.
type Change int

const (
	Unchanged Change = iota
	Created
	Updated
)

func (c Change) String() string {
	switch c {
	case Created:
		return "created"
	case Updated:
		return "updated"
	}
	return "unchanged"
}

// Service implements suppression business logic. It is safe for concurrent use.
type Service struct {
	repo     Repository
	policies []Policy
	mirror   Mirror
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMirror pushes every created or re-triggered entry to m.
func WithMirror(m Mirror) Option {
	return func(s *Service) { s.mirror = m }
}

// NewService creates a suppression service backed by the given repository.
// The policies are evaluated in order and must pass ValidatePolicies.
func NewService(repo Repository, policies []Policy, opts ...Option) (*Service, error) {
	if err := ValidatePolicies(policies); err != nil {
		return nil, err
	}
	s := &Service{
		repo:     repo,
		policies: append([]Policy(nil), policies...),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ShouldSuppress decides whether the bounce history of address, which
// already includes current, crosses the policy relevant to current.
//
// Returns ErrNoMatchingPolicy when no policy covers current's status code.
func (s *Service) ShouldSuppress(ctx context.Context, address string, current BounceRecord) (bool, error) {
	existing, suppress, err := s.evaluate(ctx, address, current)
	return existing || suppress, err
}

// evaluate reports whether a bounce entry already exists for address and,
// if not, whether the history crosses the relevant policy threshold.
func (s *Service) evaluate(ctx context.Context, address string, current BounceRecord) (existing, suppress bool, err error) {
	address = domain.NormalizeAddress(address)

	if _, err := s.repo.FindByOrigin(ctx, address, domain.OriginBounce); err == nil {
		return true, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, false, fmt.Errorf("lookup bounce suppression: %w", err)
	}

	idx, ok := relevantPolicy(s.policies, current.StatusCode)
	if !ok {
		return false, false, fmt.Errorf("%w: %q (mail %s)", ErrNoMatchingPolicy, current.StatusCode, current.Identifier)
	}

	now := s.now()
	history, err := s.repo.BounceHistory(ctx, address, now.AddDate(0, 0, -maxWindowDays(s.policies)))
	if err != nil {
		return false, false, fmt.Errorf("load bounce history: %w", err)
	}
	return false, s.count(history, idx, now) >= s.policies[idx].MaxBounces, nil
}

// count returns the number of distinct observations in history whose
// first matching policy is idx and which fall inside its window.
// Replayed events produce duplicate rows; they are counted once.
func (s *Service) count(history []BounceRecord, idx int, now time.Time) int {
	type key struct {
		identifier string
		at         int64
		code       string
	}
	since := s.policies[idx].window(now)
	seen := make(map[key]struct{}, len(history))
	for _, r := range history {
		if !r.Status.IsBounce() || r.CreatedAt.Before(since) {
			continue
		}
		if first, ok := relevantPolicy(s.policies, r.StatusCode); !ok || first != idx {
			continue
		}
		seen[key{r.Identifier, r.CreatedAt.UnixNano(), r.StatusCode}] = struct{}{}
	}
	return len(seen)
}

// CreateSuppressionIfNeeded evaluates the bounce history of mail's
// recipient after status was recorded and creates a bounce-origin entry
// when a policy threshold is crossed. It returns true when the address is
// (now or already) suppressed.
func (s *Service) CreateSuppressionIfNeeded(ctx context.Context, mail domain.Mail, status domain.MailStatus) (bool, error) {
	if !status.Status.IsBounce() {
		return false, nil
	}
	current := BounceRecord{
		Identifier: mail.Identifier,
		Status:     status.Status,
		StatusCode: status.StatusCode,
		CreatedAt:  status.CreatedAt,
	}
	existing, suppress, err := s.evaluate(ctx, mail.Recipient, current)
	if err != nil {
		return false, err
	}
	if existing {
		return true, nil
	}
	if !suppress {
		return false, nil
	}

	change, err := s.upsert(ctx, domain.SuppressionEntry{
		Address:    domain.NormalizeAddress(mail.Recipient),
		Identifier: mail.Identifier,
		Origin:     domain.OriginBounce,
	})
	if err != nil {
		return false, err
	}
	if change != Unchanged {
		logger.Info("bounce policy suppression",
			"identifier", mail.Identifier,
			"email", mail.Recipient,
			"status_code", status.StatusCode,
			"change", change.String())
	}
	return true, nil
}

// RecordFeedbackLoop suppresses address after a spam complaint.
func (s *Service) RecordFeedbackLoop(ctx context.Context, identifier, address string, scope domain.Scope) (Change, error) {
	return s.record(ctx, identifier, address, scope, domain.OriginFeedbackLoop)
}

// RecordUnsubscribe suppresses address after a mail-to unsubscribe. A
// repeated request for the same identifier is a logged no-op.
func (s *Service) RecordUnsubscribe(ctx context.Context, identifier, address string, scope domain.Scope) (Change, error) {
	return s.record(ctx, identifier, address, scope, domain.OriginMail)
}

// Record creates or re-triggers an entry for origins written by other
// services (web, api, abuse).
func (s *Service) Record(ctx context.Context, identifier, address string, scope domain.Scope, origin domain.SuppressionOrigin) (Change, error) {
	return s.record(ctx, identifier, address, scope, origin)
}

func (s *Service) record(ctx context.Context, identifier, address string, scope domain.Scope, origin domain.SuppressionOrigin) (Change, error) {
	address = domain.NormalizeAddress(address)
	if address == "" {
		return Unchanged, fmt.Errorf("address is required")
	}
	change, err := s.upsert(ctx, domain.SuppressionEntry{
		Address:        address,
		Identifier:     identifier,
		Origin:         origin,
		OrganizationID: scope.OrganizationID,
		Category:       scope.Category,
	})
	if err != nil {
		return Unchanged, err
	}
	if change == Unchanged {
		logger.Info("suppression already recorded", "identifier", identifier, "email", address, "origin", origin)
	} else {
		logger.Info("suppression recorded", "identifier", identifier, "email", address, "origin", origin, "change", change.String())
	}
	return change, nil
}

// upsert is get-or-create-or-update on (identifier, address). The unique
// constraints behind Insert resolve concurrent creators, including the
// single bounce entry per address.
func (s *Service) upsert(ctx context.Context, e domain.SuppressionEntry) (Change, error) {
	e.CreatedAt = s.now().UTC()
	for attempt := 0; attempt < 3; attempt++ {
		existing, err := s.repo.Find(ctx, e.Identifier, e.Address)
		switch {
		case err == nil:
			if existing.Origin == e.Origin {
				return Unchanged, nil
			}
			if err := s.repo.UpdateOrigin(ctx, existing.ID, e.Origin, e.CreatedAt); err != nil {
				return Unchanged, fmt.Errorf("update suppression: %w", err)
			}
			existing.Origin, existing.CreatedAt = e.Origin, e.CreatedAt
			s.mirrorEntry(ctx, *existing)
			return Updated, nil
		case errors.Is(err, ErrNotFound):
			err := s.repo.Insert(ctx, &e)
			if errors.Is(err, ErrDuplicate) {
				// One bounce entry per address: another mail may have won.
				if e.Origin == domain.OriginBounce {
					if _, ferr := s.repo.FindByOrigin(ctx, e.Address, domain.OriginBounce); ferr == nil {
						return Unchanged, nil
					}
				}
				continue
			}
			if err != nil {
				return Unchanged, fmt.Errorf("insert suppression: %w", err)
			}
			s.mirrorEntry(ctx, e)
			return Created, nil
		default:
			return Unchanged, fmt.Errorf("find suppression: %w", err)
		}
	}
	return Unchanged, fmt.Errorf("upsert suppression for %s: %w", e.Identifier, ErrDuplicate)
}

func (s *Service) mirrorEntry(ctx context.Context, e domain.SuppressionEntry) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Suppress(ctx, e); err != nil {
		logger.Warn("suppression mirror failed", "identifier", e.Identifier, "email", e.Address, "error", err)
	}
}

// IsSuppressed reports whether any entry for address applies to scope.
func (s *Service) IsSuppressed(ctx context.Context, address string, scope domain.Scope) (bool, error) {
	entries, err := s.repo.ListByAddress(ctx, []string{domain.NormalizeAddress(address)})
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Applies(scope) {
			return true, nil
		}
	}
	return false, nil
}

// Entries returns every entry recorded for address.
func (s *Service) Entries(ctx context.Context, address string) ([]domain.SuppressionEntry, error) {
	return s.repo.ListByAddress(ctx, []string{domain.NormalizeAddress(address)})
}
