package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/notify"
)

// NotificationRepo implements notify.Store against the outbox table.
type NotificationRepo struct{ db *sql.DB }

// NewNotificationRepo creates a Postgres-backed outbox store.
func NewNotificationRepo(db *sql.DB) *NotificationRepo { return &NotificationRepo{db: db} }

// ClaimNotifications leases due rows with SKIP LOCKED so that several
// dispatchers can share the outbox.
func (r *NotificationRepo) ClaimNotifications(ctx context.Context, limit int, lease time.Duration) ([]domain.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH due AS (
			SELECT id FROM notifications
			WHERE delivered_at IS NULL AND available_at <= NOW()
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE notifications n
		SET attempts = n.attempts + 1,
		    available_at = NOW() + ($2 * INTERVAL '1 millisecond')
		FROM due
		WHERE n.id = due.id
		RETURNING n.id, n.message_id, n.event, n.created_at, n.delivered_at, n.attempts, n.last_error
	`, limit, lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("claim notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.MessageID, &n.Event, &n.CreatedAt, &n.DeliveredAt, &n.Attempts, &n.LastError); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *NotificationRepo) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	return r.exec(ctx, `UPDATE notifications SET delivered_at = $2, last_error = '' WHERE id = $1`, id, at)
}

func (r *NotificationRepo) MarkFailed(ctx context.Context, id int64, reason string, retryAt time.Time) error {
	return r.exec(ctx, `UPDATE notifications SET last_error = $2, available_at = $3 WHERE id = $1`, id, reason, retryAt)
}

func (r *NotificationRepo) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notify.ErrNotFound
	}
	return nil
}
