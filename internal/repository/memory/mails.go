package memory

import (
	"context"
	"sort"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/service/mailstate"
	"github.com/ignite/mailflow/internal/service/suppression"
)

type mailTx struct {
	pending []domain.MailStatus
	saved   *domain.Mail
}

func (tx *mailTx) AppendStatus(_ context.Context, st *domain.MailStatus) error {
	tx.pending = append(tx.pending, *st)
	return nil
}

func (tx *mailTx) SaveMail(_ context.Context, m *domain.Mail) error {
	cp := *m
	tx.saved = &cp
	return nil
}

// WithMailLock implements mailstate.Repository.
func (s *Store) WithMailLock(ctx context.Context, identifier string, fn func(context.Context, *domain.Mail, mailstate.Tx) error) error {
	unlock := s.mailLocks.lock(identifier)
	defer unlock()

	s.mu.Lock()
	m, ok := s.mails[identifier]
	var work domain.Mail
	if ok {
		work = *m
	}
	s.mu.Unlock()
	if !ok {
		return mailstate.ErrMailNotFound
	}

	tx := &mailTx{}
	if err := fn(ctx, &work, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range tx.pending {
		st.ID = s.id()
		s.statuses[identifier] = append(s.statuses[identifier], st)
	}
	if tx.saved != nil {
		tx.saved.ID = m.ID
		s.mails[identifier] = tx.saved
	}
	return nil
}

// GetMail implements mailstate.Repository.
func (s *Store) GetMail(_ context.Context, identifier string) (*domain.Mail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mails[identifier]
	if !ok {
		return nil, mailstate.ErrMailNotFound
	}
	cp := *m
	return &cp, nil
}

// ListStatuses implements mailstate.Repository.
func (s *Store) ListStatuses(_ context.Context, identifier string) ([]domain.MailStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mails[identifier]; !ok {
		return nil, mailstate.ErrMailNotFound
	}
	return append([]domain.MailStatus(nil), s.statuses[identifier]...), nil
}

// RecipientsOf implements mailstate.Repository.
func (s *Store) RecipientsOf(_ context.Context, parentID string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, m := range s.mails {
		if m.ParentID == parentID {
			out[domain.NormalizeAddress(m.Recipient)] = true
		}
	}
	return out, nil
}

// CreateMails implements mailstate.Repository.
func (s *Store) CreateMails(_ context.Context, mails []*domain.Mail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range mails {
		m.ID = s.id()
		cp := *m
		s.mails[m.Identifier] = &cp
		s.statuses[m.Identifier] = append(s.statuses[m.Identifier], domain.MailStatus{
			ID:         s.id(),
			Identifier: m.Identifier,
			Status:     domain.StatusUnknown,
			CreatedAt:  m.CreatedAt,
		})
	}
	return nil
}

// BounceHistory implements suppression.Repository.
func (s *Store) BounceHistory(_ context.Context, address string, since time.Time) ([]suppression.BounceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	address = domain.NormalizeAddress(address)
	var out []suppression.BounceRecord
	for id, m := range s.mails {
		if domain.NormalizeAddress(m.Recipient) != address {
			continue
		}
		for _, st := range s.statuses[id] {
			if st.Status.IsBounce() && !st.CreatedAt.Before(since) {
				out = append(out, suppression.BounceRecord{
					Identifier: id,
					Status:     st.Status,
					StatusCode: st.StatusCode,
					CreatedAt:  st.CreatedAt,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
