package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
)

// Service decides when a Message has finished sending.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates an aggregation service backed by repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// OnMailReachedFinalState re-evaluates the parent Message of mail. It must
// be called after the mail's final status has committed. It returns true
// when this call flipped the Message to sent.
func (s *Service) OnMailReachedFinalState(ctx context.Context, mail domain.Mail) (bool, error) {
	if !mail.HasParent() || mail.Kind != domain.SourceCampaign {
		return false, nil
	}
	return s.Recheck(ctx, mail.ParentID)
}

// Recheck runs the completion check for one Message. It is safe to call
// any number of times.
func (s *Service) Recheck(ctx context.Context, messageID string) (bool, error) {
	var completed bool
	err := s.repo.WithMessageLock(ctx, messageID, func(ctx context.Context, msg *domain.Message, tx Tx) error {
		if msg.Status != domain.MessageSending {
			return nil
		}
		var err error
		completed, err = s.completeIfDone(ctx, msg, tx)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("recheck message %s: %w", messageID, err)
	}
	return completed, nil
}

// StartSending moves an approved Message to sending and queues the
// sending_started notification. Calling it on a Message already sending
// is a no-op. A Message with no pending mail completes immediately.
func (s *Service) StartSending(ctx context.Context, messageID string) error {
	err := s.repo.WithMessageLock(ctx, messageID, func(ctx context.Context, msg *domain.Message, tx Tx) error {
		switch msg.Status {
		case domain.MessageSending, domain.MessageSent:
			return nil
		case domain.MessageApproved:
		default:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidState, msg.Status, domain.MessageSending)
		}

		now := s.now().UTC()
		msg.Status = domain.MessageSending
		msg.SendingDate = &now
		if err := tx.SaveMessage(ctx, msg); err != nil {
			return err
		}
		if err := tx.AddNotification(ctx, &domain.Notification{
			MessageID: msg.ID,
			Event:     domain.EventSendingStarted,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		logger.Info("message sending started", "message_id", msg.ID)
		_, err := s.completeIfDone(ctx, msg, tx)
		return err
	})
	if err != nil {
		return fmt.Errorf("start sending %s: %w", messageID, err)
	}
	return nil
}

// completeIfDone flips msg to sent when no legitimate mail is pending.
// Callers hold the Message lock.
func (s *Service) completeIfDone(ctx context.Context, msg *domain.Message, tx Tx) (bool, error) {
	remaining, err := s.remaining(ctx, msg, tx)
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		logger.Debug("message still sending", "message_id", msg.ID, "remaining", remaining)
		return false, nil
	}

	now := s.now().UTC()
	msg.Status = domain.MessageSent
	msg.CompletionDate = &now
	if err := tx.SaveMessage(ctx, msg); err != nil {
		return false, err
	}
	if err := tx.AddNotification(ctx, &domain.Notification{
		MessageID: msg.ID,
		Event:     domain.EventSendingCompleted,
		CreatedAt: now,
	}); err != nil {
		return false, err
	}
	logger.Info("message sent", "message_id", msg.ID)
	return true, nil
}

// remaining counts pending mails whose recipient is not suppressed under
// the message's scope.
func (s *Service) remaining(ctx context.Context, msg *domain.Message, tx Tx) (int, error) {
	pending, err := tx.PendingRecipients(ctx, msg.ID)
	if err != nil {
		return 0, fmt.Errorf("load pending mails: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	entries, err := tx.Suppressions(ctx, pending)
	if err != nil {
		return 0, fmt.Errorf("load suppressions: %w", err)
	}

	scope := ScopeOfMessage(*msg)
	suppressed := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Applies(scope) {
			suppressed[domain.NormalizeAddress(e.Address)] = true
		}
	}
	remaining := 0
	for _, rcpt := range pending {
		if !suppressed[domain.NormalizeAddress(rcpt)] {
			remaining++
		}
	}
	return remaining, nil
}

// Summary is the read model of one Message.
type Summary struct {
	Message  domain.Message        `json:"message"`
	ByStatus map[domain.Status]int `json:"by_status"`
	Total    int                   `json:"total"`
}

// Summarize returns a Message with per-status mail counts.
func (s *Service) Summarize(ctx context.Context, messageID string) (*Summary, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.CountByStatus(ctx, messageID)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return &Summary{Message: *msg, ByStatus: counts, Total: total}, nil
}
