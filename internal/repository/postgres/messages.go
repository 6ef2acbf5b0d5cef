package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/service/aggregation"
)

const messageColumns = `id, organization_id, category, name, status, external_optout,
	sending_date, completion_date, created_at`

// MessageRepo implements aggregation.Repository against PostgreSQL.
type MessageRepo struct{ db *sql.DB }

// NewMessageRepo creates a Postgres-backed message repository.
func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

func scanMessage(row rowScanner) (*domain.Message, error) {
	m := &domain.Message{}
	err := row.Scan(&m.ID, &m.OrganizationID, &m.Category, &m.Name, &m.Status, &m.ExternalOptout,
		&m.SendingDate, &m.CompletionDate, &m.CreatedAt)
	return m, err
}

func (r *MessageRepo) WithMessageLock(ctx context.Context, messageID string, fn func(context.Context, *domain.Message, aggregation.Tx) error) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		msg, err := scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, messageID))
		if errors.Is(err, sql.ErrNoRows) {
			return aggregation.ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("lock message: %w", err)
		}
		return fn(ctx, msg, &messageTx{tx: tx})
	})
}

type messageTx struct{ tx *sql.Tx }

func (t *messageTx) PendingRecipients(ctx context.Context, messageID string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT recipient FROM mails
		WHERE parent_id = $1 AND kind = $2 AND current_status <> ALL($3)
	`, messageID, domain.SourceCampaign, pq.Array(finalStates()))
	if err != nil {
		return nil, fmt.Errorf("pending recipients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var rcpt string
		if err := rows.Scan(&rcpt); err != nil {
			return nil, err
		}
		out = append(out, rcpt)
	}
	return out, rows.Err()
}

func finalStates() []string {
	out := make([]string, len(domain.FinalStates))
	for i, s := range domain.FinalStates {
		out[i] = string(s)
	}
	return out
}

func (t *messageTx) Suppressions(ctx context.Context, addresses []string) ([]domain.SuppressionEntry, error) {
	return listSuppressions(ctx, t.tx, addresses)
}

func (t *messageTx) SaveMessage(ctx context.Context, msg *domain.Message) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE messages SET status = $2, sending_date = $3, completion_date = $4
		WHERE id = $1
	`, msg.ID, msg.Status, msg.SendingDate, msg.CompletionDate)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// AddNotification is a no-op when the (message, event) row already exists.
func (t *messageTx) AddNotification(ctx context.Context, n *domain.Notification) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO notifications (message_id, event, created_at, available_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (message_id, event) DO NOTHING
	`, n.MessageID, n.Event, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("add notification: %w", err)
	}
	return nil
}

func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	msg, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, aggregation.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (r *MessageRepo) GetBatch(ctx context.Context, batchID string) (*domain.MailBatch, error) {
	b := &domain.MailBatch{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, organization_id, category, name, created_at FROM mail_batches WHERE id = $1
	`, batchID).Scan(&b.ID, &b.OrganizationID, &b.Category, &b.Name, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, aggregation.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

func (r *MessageRepo) CountByStatus(ctx context.Context, messageID string) (map[domain.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT current_status, COUNT(*) FROM mails WHERE parent_id = $1 GROUP BY current_status
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Status]int)
	for rows.Next() {
		var (
			st domain.Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
