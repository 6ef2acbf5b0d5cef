package worker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/mailflow/internal/pkg/logger"
)

// RetentionConfig bounds how long settled rows stay in Postgres. A zero
// TTL keeps that table forever.
type RetentionConfig struct {
	Interval         time.Duration
	NotificationsTTL time.Duration
	DeadLettersTTL   time.Duration
	BatchSize        int
	// Pause between batches keeps each DELETE short.
	Pause time.Duration
}

// RetentionWorker periodically deletes delivered notifications and old
// dead letters in batches so no single statement holds long locks.
type RetentionWorker struct {
	db  *sql.DB
	cfg RetentionConfig
	now func() time.Time
}

// NewRetentionWorker creates a retention worker. Interval defaults to one
// hour and BatchSize to 10000.
func NewRetentionWorker(db *sql.DB, cfg RetentionConfig) *RetentionWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10000
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	return &RetentionWorker{db: db, cfg: cfg, now: time.Now}
}

// Run deletes once immediately, then every Interval until ctx ends.
func (rw *RetentionWorker) Run(ctx context.Context) error {
	logger.Info("retention worker started",
		"interval", rw.cfg.Interval,
		"notifications_ttl", rw.cfg.NotificationsTTL,
		"dead_letters_ttl", rw.cfg.DeadLettersTTL)

	rw.RunOnce(ctx)

	ticker := time.NewTicker(rw.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention worker stopped")
			return nil
		case <-ticker.C:
			rw.RunOnce(ctx)
		}
	}
}

// RunOnce runs one cleanup cycle and returns the rows removed per table.
func (rw *RetentionWorker) RunOnce(ctx context.Context) map[string]int64 {
	start := rw.now()
	removed := make(map[string]int64, 2)

	if ttl := rw.cfg.NotificationsTTL; ttl > 0 {
		removed["notifications"] = rw.batchDelete(ctx, "notifications", `
			DELETE FROM notifications
			WHERE id IN (
				SELECT id FROM notifications
				WHERE delivered_at IS NOT NULL
				  AND delivered_at < $2
				LIMIT $1
			)`, start.Add(-ttl))
	}
	if ttl := rw.cfg.DeadLettersTTL; ttl > 0 {
		removed["dead_letters"] = rw.batchDelete(ctx, "dead_letters", `
			DELETE FROM dead_letters
			WHERE id IN (
				SELECT id FROM dead_letters
				WHERE failed_at < $2
				LIMIT $1
			)`, start.Add(-ttl))
	}

	for table, n := range removed {
		if n > 0 {
			logger.Info("retention cleanup", "table", table, "deleted", n)
		}
	}
	return removed
}

// batchDelete repeats query with the batch size as $1 and cutoff as $2
// until no rows are affected. A missing table is skipped quietly so the
// worker can start before migrations ran.
func (rw *RetentionWorker) batchDelete(ctx context.Context, table, query string, cutoff time.Time) int64 {
	var total int64
	for ctx.Err() == nil {
		queryCtx, cancel := context.WithTimeout(ctx, time.Minute)
		res, err := rw.db.ExecContext(queryCtx, query, rw.cfg.BatchSize, cutoff.UTC())
		cancel()
		if err != nil {
			if isUndefinedTable(err) {
				logger.Warn("retention: table does not exist, skipping", "table", table)
			} else {
				logger.Error("retention: delete failed", "table", table, "error", err)
			}
			return total
		}
		affected, _ := res.RowsAffected()
		total += affected
		if affected < int64(rw.cfg.BatchSize) {
			return total
		}
		if rw.cfg.Pause > 0 {
			select {
			case <-ctx.Done():
				return total
			case <-time.After(rw.cfg.Pause):
			}
		}
	}
	return total
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P01"
}
