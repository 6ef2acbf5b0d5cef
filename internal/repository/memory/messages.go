package memory

import (
	"context"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/service/aggregation"
)

type messageTx struct {
	s      *Store
	saved  *domain.Message
	outbox []domain.Notification
}

func (tx *messageTx) PendingRecipients(_ context.Context, messageID string) ([]string, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	var out []string
	for _, m := range tx.s.mails {
		if m.ParentID == messageID && m.Kind == domain.SourceCampaign && !m.CurrentStatus.IsFinal() {
			out = append(out, m.Recipient)
		}
	}
	return out, nil
}

func (tx *messageTx) Suppressions(_ context.Context, addresses []string) ([]domain.SuppressionEntry, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	return tx.s.entriesFor(addresses), nil
}

func (tx *messageTx) SaveMessage(_ context.Context, msg *domain.Message) error {
	cp := *msg
	tx.saved = &cp
	return nil
}

func (tx *messageTx) AddNotification(_ context.Context, n *domain.Notification) error {
	tx.outbox = append(tx.outbox, *n)
	return nil
}

// WithMessageLock implements aggregation.Repository.
func (s *Store) WithMessageLock(ctx context.Context, messageID string, fn func(context.Context, *domain.Message, aggregation.Tx) error) error {
	unlock := s.messageLocks.lock(messageID)
	defer unlock()

	s.mu.Lock()
	msg, ok := s.messages[messageID]
	var work domain.Message
	if ok {
		work = *msg
	}
	s.mu.Unlock()
	if !ok {
		return aggregation.ErrMessageNotFound
	}

	tx := &messageTx{s: s}
	if err := fn(ctx, &work, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.saved != nil {
		s.messages[messageID] = tx.saved
	}
	for _, n := range tx.outbox {
		s.addNotification(n)
	}
	return nil
}

// GetMessage implements aggregation.Repository.
func (s *Store) GetMessage(_ context.Context, messageID string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, aggregation.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

// GetBatch implements aggregation.Repository.
func (s *Store) GetBatch(_ context.Context, batchID string) (*domain.MailBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, aggregation.ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

// CountByStatus implements aggregation.Repository.
func (s *Store) CountByStatus(_ context.Context, messageID string) (map[domain.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Status]int)
	for _, m := range s.mails {
		if m.ParentID == messageID {
			out[m.CurrentStatus]++
		}
	}
	return out, nil
}
