package mailstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/distlock"
	"github.com/ignite/mailflow/internal/pkg/logger"
)

// Parent identifies the Message or MailBatch new mails are attached to.
type Parent struct {
	ID   string
	Kind domain.SourceKind
}

// Registrar creates Mail rows for a parent's recipients. Concurrent calls
// for the same parent are serialized through a distributed lock so a
// recipient is never attached twice.
type Registrar struct {
	repo  Repository
	locks distlock.Factory
	wait  time.Duration
	poll  time.Duration
	now   func() time.Time
}

// NewRegistrar creates a registrar. wait bounds how long AttachRecipients
// queues behind another holder of the parent lock.
func NewRegistrar(repo Repository, locks distlock.Factory, wait time.Duration) *Registrar {
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &Registrar{repo: repo, locks: locks, wait: wait, poll: 50 * time.Millisecond, now: time.Now}
}

// AttachRecipients creates one Mail per recipient not yet attached to
// parent and returns only the newly created mails. Each new mail starts
// in UNKNOWN with a matching history row.
func (r *Registrar) AttachRecipients(ctx context.Context, parent Parent, recipients []string) ([]*domain.Mail, error) {
	if parent.ID == "" {
		return nil, fmt.Errorf("attach recipients: parent id is required")
	}

	lock := r.locks("mails:parent:" + parent.ID)
	if err := distlock.AcquireWithin(ctx, lock, r.wait, r.poll); err != nil {
		if errors.Is(err, distlock.ErrNotAcquired) {
			return nil, fmt.Errorf("attach recipients to %s: %w", parent.ID, ErrLockBusy)
		}
		return nil, fmt.Errorf("attach recipients to %s: %w", parent.ID, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("release recipient lock failed", "parent_id", parent.ID, "error", err)
		}
	}()

	existing, err := r.repo.RecipientsOf(ctx, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("load recipients of %s: %w", parent.ID, err)
	}

	now := r.now().UTC()
	var created []*domain.Mail
	for _, raw := range recipients {
		addr := domain.NormalizeAddress(raw)
		if addr == "" || existing[addr] {
			continue
		}
		existing[addr] = true
		id := domain.NewIdentifier(parent.Kind)
		created = append(created, &domain.Mail{
			Identifier:      id,
			Kind:            parent.Kind,
			Recipient:       addr,
			ParentID:        parent.ID,
			CreatedAt:       now,
			CurrentStatus:   domain.StatusUnknown,
			CurrentStatusAt: timePtr(now),
		})
	}
	if len(created) == 0 {
		return nil, nil
	}
	if err := r.repo.CreateMails(ctx, created); err != nil {
		return nil, fmt.Errorf("create mails for %s: %w", parent.ID, err)
	}

	logger.Info("recipients attached", "parent_id", parent.ID, "created", len(created), "requested", len(recipients))
	return created, nil
}
