package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/mailflow/internal/service/ingestion"
)

// DeadLetterRepo implements ingestion.DeadLetterStore.
type DeadLetterRepo struct{ db *sql.DB }

// NewDeadLetterRepo creates a Postgres-backed dead letter store.
func NewDeadLetterRepo(db *sql.DB) *DeadLetterRepo { return &DeadLetterRepo{db: db} }

const deadLetterColumns = "id, task_id, kind, payload, envelope_to, attempts, first_attempt_at, failed_at, last_error"

func scanDeadLetter(row rowScanner) (*ingestion.DeadLetterEntry, error) {
	e := &ingestion.DeadLetterEntry{}
	err := row.Scan(&e.ID, &e.TaskID, &e.Kind, &e.Payload, &e.EnvelopeTo, &e.Attempts,
		&e.FirstAttemptAt, &e.FailedAt, &e.LastError)
	return e, err
}

func (r *DeadLetterRepo) PutDeadLetter(ctx context.Context, e *ingestion.DeadLetterEntry) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO dead_letters (task_id, kind, payload, envelope_to, attempts, first_attempt_at, failed_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, e.TaskID, e.Kind, e.Payload, e.EnvelopeTo, e.Attempts, e.FirstAttemptAt, e.FailedAt, e.LastError).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (r *DeadLetterRepo) ListDeadLetters(ctx context.Context, limit int) ([]ingestion.DeadLetterEntry, error) {
	q := psql.Select(deadLetterColumns).From("dead_letters").OrderBy("id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []ingestion.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *DeadLetterRepo) GetDeadLetter(ctx context.Context, id int64) (*ingestion.DeadLetterEntry, error) {
	e, err := scanDeadLetter(r.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingestion.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return e, nil
}

func (r *DeadLetterRepo) DeleteDeadLetter(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ingestion.ErrDeadLetterNotFound
	}
	return nil
}
