package mailstate

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
)

// Result is what ApplyStatus hands back to the caller: the committed mail
// snapshot and the decision, including effects still to run.
type Result struct {
	Mail domain.Mail
	Decision
}

// Machine applies status updates to persisted mails. It is safe for
// concurrent use; serialization per mail comes from the repository lock.
type Machine struct {
	repo   Repository
	policy CurrentStatusPolicy
	now    func() time.Time
}

// NewMachine creates a state machine over repo using the given policy.
func NewMachine(repo Repository, policy CurrentStatusPolicy) *Machine {
	if policy == "" {
		policy = ByEventTime
	}
	return &Machine{repo: repo, policy: policy, now: time.Now}
}

// Policy returns the current-status policy in use.
func (m *Machine) Policy() CurrentStatusPolicy { return m.policy }

// ApplyStatus appends u to the mail's history and recomputes its cached
// fields in one locked write. A forbidden transition writes nothing and
// returns a *ForbiddenTransitionError.
func (m *Machine) ApplyStatus(ctx context.Context, u domain.StatusUpdate) (*Result, error) {
	if !u.Status.Valid() {
		return nil, fmt.Errorf("apply status to %s: %w", u.Identifier, domain.ErrInvalidStatus)
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = m.now()
	}
	u.Timestamp = u.Timestamp.UTC()

	var res Result
	err := m.repo.WithMailLock(ctx, u.Identifier, func(ctx context.Context, mail *domain.Mail, tx Tx) error {
		d, err := Apply(mail, u, m.policy)
		if err != nil {
			return err
		}
		row := u.ToMailStatus()
		if err := tx.AppendStatus(ctx, &row); err != nil {
			return fmt.Errorf("append status: %w", err)
		}
		if err := tx.SaveMail(ctx, mail); err != nil {
			return fmt.Errorf("save mail: %w", err)
		}
		res = Result{Mail: *mail, Decision: d}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("status applied",
		"identifier", u.Identifier,
		"from", res.Previous,
		"to", u.Status,
		"current", res.Mail.CurrentStatus,
		"effects", len(res.Effects))
	return &res, nil
}

// GetMail returns a snapshot of one mail.
func (m *Machine) GetMail(ctx context.Context, identifier string) (*domain.Mail, error) {
	return m.repo.GetMail(ctx, identifier)
}

// History returns the status history of one mail.
func (m *Machine) History(ctx context.Context, identifier string) ([]domain.MailStatus, error) {
	return m.repo.ListStatuses(ctx, identifier)
}
