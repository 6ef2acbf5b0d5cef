package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/service/mailstate"
)

const mailColumns = `id, identifier, kind, recipient, COALESCE(parent_id, ''), created_at,
	first_status_at, latest_status_at, delivery_duration_ms, had_delay,
	current_status, current_status_at`

// MailRepo implements mailstate.Repository against PostgreSQL.
type MailRepo struct{ db *sql.DB }

// NewMailRepo creates a Postgres-backed mail repository.
func NewMailRepo(db *sql.DB) *MailRepo { return &MailRepo{db: db} }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMail(row rowScanner) (*domain.Mail, error) {
	m := &domain.Mail{}
	var duration sql.NullInt64
	err := row.Scan(
		&m.ID, &m.Identifier, &m.Kind, &m.Recipient, &m.ParentID, &m.CreatedAt,
		&m.FirstStatusAt, &m.LatestStatusAt, &duration, &m.HadDelay,
		&m.CurrentStatus, &m.CurrentStatusAt,
	)
	if err != nil {
		return nil, err
	}
	m.DeliveryDuration = millisDuration(duration)
	return m, nil
}

func (r *MailRepo) WithMailLock(ctx context.Context, identifier string, fn func(context.Context, *domain.Mail, mailstate.Tx) error) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		m, err := scanMail(tx.QueryRowContext(ctx,
			`SELECT `+mailColumns+` FROM mails WHERE identifier = $1 FOR UPDATE`, identifier))
		if errors.Is(err, sql.ErrNoRows) {
			return mailstate.ErrMailNotFound
		}
		if err != nil {
			return fmt.Errorf("lock mail: %w", err)
		}
		return fn(ctx, m, &mailTx{tx: tx})
	})
}

type mailTx struct{ tx *sql.Tx }

func (t *mailTx) AppendStatus(ctx context.Context, s *domain.MailStatus) error {
	return insertStatus(ctx, t.tx, s)
}

func insertStatus(ctx context.Context, tx *sql.Tx, s *domain.MailStatus) error {
	return tx.QueryRowContext(ctx, `
		INSERT INTO mail_statuses (identifier, status, created_at, status_code, source_ip, source_hostname, raw_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, s.Identifier, s.Status, s.CreatedAt, s.StatusCode, s.SourceIP, s.SourceHostname, s.RawMessage).Scan(&s.ID)
}

func (t *mailTx) SaveMail(ctx context.Context, m *domain.Mail) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE mails
		SET first_status_at = $2, latest_status_at = $3, delivery_duration_ms = $4,
		    had_delay = $5, current_status = $6, current_status_at = $7
		WHERE identifier = $1
	`, m.Identifier, m.FirstStatusAt, m.LatestStatusAt, durationMillis(m.DeliveryDuration),
		m.HadDelay, m.CurrentStatus, m.CurrentStatusAt)
	return err
}

func (r *MailRepo) GetMail(ctx context.Context, identifier string) (*domain.Mail, error) {
	m, err := scanMail(r.db.QueryRowContext(ctx,
		`SELECT `+mailColumns+` FROM mails WHERE identifier = $1`, identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mailstate.ErrMailNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mail: %w", err)
	}
	return m, nil
}

// ListStatuses relies on every mail carrying its initial UNKNOWN row: an
// empty history means the mail does not exist.
func (r *MailRepo) ListStatuses(ctx context.Context, identifier string) ([]domain.MailStatus, error) {
	query, args, err := psql.
		Select("id", "identifier", "status", "created_at", "status_code", "source_ip", "source_hostname", "raw_message").
		From("mail_statuses").
		Where(sq.Eq{"identifier": identifier}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var out []domain.MailStatus
	for rows.Next() {
		var s domain.MailStatus
		if err := rows.Scan(&s.ID, &s.Identifier, &s.Status, &s.CreatedAt,
			&s.StatusCode, &s.SourceIP, &s.SourceHostname, &s.RawMessage); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, mailstate.ErrMailNotFound
	}
	return out, nil
}

func (r *MailRepo) RecipientsOf(ctx context.Context, parentID string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT LOWER(TRIM(recipient)) FROM mails WHERE parent_id = $1`, parentID)
	if err != nil {
		return nil, fmt.Errorf("recipients of %s: %w", parentID, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var rcpt string
		if err := rows.Scan(&rcpt); err != nil {
			return nil, err
		}
		out[rcpt] = true
	}
	return out, rows.Err()
}

func (r *MailRepo) CreateMails(ctx context.Context, mails []*domain.Mail) error {
	if len(mails) == 0 {
		return nil
	}
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, m := range mails {
			err := tx.QueryRowContext(ctx, `
				INSERT INTO mails (identifier, kind, recipient, parent_id, created_at, current_status)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id
			`, m.Identifier, m.Kind, m.Recipient, nullString(m.ParentID), m.CreatedAt, domain.StatusUnknown).Scan(&m.ID)
			if err != nil {
				return fmt.Errorf("insert mail %s: %w", m.Identifier, err)
			}
			if err := insertStatus(ctx, tx, &domain.MailStatus{
				Identifier: m.Identifier,
				Status:     domain.StatusUnknown,
				CreatedAt:  m.CreatedAt,
			}); err != nil {
				return fmt.Errorf("insert initial status %s: %w", m.Identifier, err)
			}
		}
		return nil
	})
}
