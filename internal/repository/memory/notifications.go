package memory

import (
	"context"
	"sort"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/notify"
)

type notificationRow struct {
	domain.Notification
	availableAt time.Time
}

// addNotification keeps at most one row per (message, event). Callers hold s.mu.
func (s *Store) addNotification(n domain.Notification) {
	for _, row := range s.outbox {
		if row.MessageID == n.MessageID && row.Event == n.Event {
			return
		}
	}
	n.ID = s.id()
	s.outbox = append(s.outbox, &notificationRow{Notification: n, availableAt: n.CreatedAt})
}

// Notifications returns every outbox row, oldest first.
func (s *Store) Notifications() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Notification, 0, len(s.outbox))
	for _, row := range s.outbox {
		out = append(out, row.Notification)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClaimNotifications implements notify.Store.
func (s *Store) ClaimNotifications(_ context.Context, limit int, lease time.Duration) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []domain.Notification
	for _, row := range s.outbox {
		if len(out) >= limit {
			break
		}
		if row.DeliveredAt != nil || row.availableAt.After(now) {
			continue
		}
		row.availableAt = now.Add(lease)
		row.Attempts++
		out = append(out, row.Notification)
	}
	return out, nil
}

// MarkDelivered implements notify.Store.
func (s *Store) MarkDelivered(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.outbox {
		if row.ID == id {
			row.DeliveredAt = &at
			row.LastError = ""
			return nil
		}
	}
	return notify.ErrNotFound
}

// MarkFailed implements notify.Store.
func (s *Store) MarkFailed(_ context.Context, id int64, reason string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.outbox {
		if row.ID == id {
			row.LastError = reason
			row.availableAt = retryAt
			return nil
		}
	}
	return notify.ErrNotFound
}
