package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/service/suppression"
)

const suppressionColumns = "id, address, identifier, origin, organization_id, category, created_at"

// SuppressionRepo implements suppression.Repository against PostgreSQL.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

func scanEntry(row rowScanner) (*domain.SuppressionEntry, error) {
	e := &domain.SuppressionEntry{}
	err := row.Scan(&e.ID, &e.Address, &e.Identifier, &e.Origin, &e.OrganizationID, &e.Category, &e.CreatedAt)
	return e, err
}

func (r *SuppressionRepo) findOne(ctx context.Context, where sq.Eq) (*domain.SuppressionEntry, error) {
	query, args, err := psql.Select(suppressionColumns).From("suppression_entries").Where(where).Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	e, err := scanEntry(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, suppression.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find suppression: %w", err)
	}
	return e, nil
}

func (r *SuppressionRepo) Find(ctx context.Context, identifier, address string) (*domain.SuppressionEntry, error) {
	return r.findOne(ctx, sq.Eq{"identifier": identifier, "address": address})
}

func (r *SuppressionRepo) FindByOrigin(ctx context.Context, address string, origin domain.SuppressionOrigin) (*domain.SuppressionEntry, error) {
	return r.findOne(ctx, sq.Eq{"address": address, "origin": string(origin)})
}

func (r *SuppressionRepo) Insert(ctx context.Context, e *domain.SuppressionEntry) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO suppression_entries (address, identifier, origin, organization_id, category, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, e.Address, e.Identifier, e.Origin, e.OrganizationID, e.Category, e.CreatedAt).Scan(&e.ID)
	if isUniqueViolation(err) {
		return suppression.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert suppression: %w", err)
	}
	return nil
}

func (r *SuppressionRepo) UpdateOrigin(ctx context.Context, id int64, origin domain.SuppressionOrigin, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE suppression_entries SET origin = $2, created_at = $3 WHERE id = $1`, id, origin, at)
	if isUniqueViolation(err) {
		return suppression.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("update suppression origin: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return suppression.ErrNotFound
	}
	return nil
}

func (r *SuppressionRepo) ListByAddress(ctx context.Context, addresses []string) ([]domain.SuppressionEntry, error) {
	return listSuppressions(ctx, r.db, addresses)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func listSuppressions(ctx context.Context, q querier, addresses []string) ([]domain.SuppressionEntry, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	normalized := make([]string, len(addresses))
	for i, a := range addresses {
		normalized[i] = domain.NormalizeAddress(a)
	}
	query, args, err := psql.Select(suppressionColumns).
		From("suppression_entries").
		Where(sq.Eq{"address": normalized}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var out []domain.SuppressionEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *SuppressionRepo) BounceHistory(ctx context.Context, address string, since time.Time) ([]suppression.BounceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.identifier, s.status, s.status_code, s.created_at
		FROM mail_statuses s
		JOIN mails m ON m.identifier = s.identifier
		WHERE LOWER(TRIM(m.recipient)) = $1
		  AND s.status IN ($2, $3)
		  AND s.created_at >= $4
		ORDER BY s.created_at
	`, domain.NormalizeAddress(address), domain.StatusBounced, domain.StatusDropped, since)
	if err != nil {
		return nil, fmt.Errorf("bounce history: %w", err)
	}
	defer rows.Close()

	var out []suppression.BounceRecord
	for rows.Next() {
		var b suppression.BounceRecord
		if err := rows.Scan(&b.Identifier, &b.Status, &b.StatusCode, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bounce: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
