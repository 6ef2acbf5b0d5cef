package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/notify"
	"github.com/ignite/mailflow/internal/service/aggregation"
	"github.com/ignite/mailflow/internal/service/ingestion"
	"github.com/ignite/mailflow/internal/service/mailstate"
	"github.com/ignite/mailflow/internal/service/suppression"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func mailRow(id string, status domain.Status) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "identifier", "kind", "recipient", "parent_id", "created_at",
		"first_status_at", "latest_status_at", "delivery_duration_ms", "had_delay",
		"current_status", "current_status_at",
	}).AddRow(int64(7), id, "transactional", "user@example.org", "", t0,
		t0, t0, int64(0), false, string(status), t0)
}

func TestMailRepo_ApplyStatusLocksAndWrites(t *testing.T) {
	db, mock := newMock(t)
	id := domain.NewIdentifier(domain.SourceTransactional)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM mails WHERE identifier = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(mailRow(id, domain.StatusQueued))
	mock.ExpectQuery(`INSERT INTO mail_statuses`).
		WithArgs(id, "sending", t0.Add(time.Second), "", "", "", "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec(`UPDATE mails`).
		WithArgs(id, sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1000), false, "sending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := mailstate.NewMachine(NewMailRepo(db), mailstate.ByEventTime)
	res, err := m.ApplyStatus(context.Background(), domain.StatusUpdate{
		Identifier: id, Status: domain.StatusSending, Timestamp: t0.Add(time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSending, res.Mail.CurrentStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMailRepo_ForbiddenTransitionRollsBack(t *testing.T) {
	db, mock := newMock(t)
	id := domain.NewIdentifier(domain.SourceTransactional)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM mails WHERE identifier = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(mailRow(id, domain.StatusDelivered))
	mock.ExpectRollback()

	m := mailstate.NewMachine(NewMailRepo(db), mailstate.ByEventTime)
	_, err := m.ApplyStatus(context.Background(), domain.StatusUpdate{Identifier: id, Status: domain.StatusQueued, Timestamp: t0})
	assert.ErrorIs(t, err, mailstate.ErrForbiddenTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMailRepo_UnknownMail(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMailRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("cmissing").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	err := repo.WithMailLock(context.Background(), "cmissing", func(context.Context, *domain.Mail, mailstate.Tx) error {
		t.Fatal("callback must not run")
		return nil
	})
	assert.ErrorIs(t, err, mailstate.ErrMailNotFound)

	mock.ExpectQuery(`FROM mail_statuses WHERE identifier = \$1 ORDER BY id`).
		WithArgs("cmissing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "identifier", "status", "created_at", "status_code", "source_ip", "source_hostname", "raw_message"}))
	_, err = repo.ListStatuses(context.Background(), "cmissing")
	assert.ErrorIs(t, err, mailstate.ErrMailNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMailRepo_CreateMailsWritesInitialStatus(t *testing.T) {
	db, mock := newMock(t)
	mail := &domain.Mail{Identifier: "cabc", Kind: domain.SourceCampaign, Recipient: "a@example.org", ParentID: "msg-1", CreatedAt: t0}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO mails`).
		WithArgs("cabc", "campaign", "a@example.org", "msg-1", t0, "unknown").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectQuery(`INSERT INTO mail_statuses`).
		WithArgs("cabc", "unknown", t0, "", "", "", "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))
	mock.ExpectCommit()

	require.NoError(t, NewMailRepo(db).CreateMails(context.Background(), []*domain.Mail{mail}))
	assert.Equal(t, int64(11), mail.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSuppressionRepo_InsertDuplicate(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(`INSERT INTO suppression_entries`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err := NewSuppressionRepo(db).Insert(context.Background(), &domain.SuppressionEntry{
		Address: "a@example.org", Identifier: "cabc", Origin: domain.OriginBounce, CreatedAt: t0,
	})
	assert.ErrorIs(t, err, suppression.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSuppressionRepo_ListAndFind(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSuppressionRepo(db)
	cols := []string{"id", "address", "identifier", "origin", "organization_id", "category", "created_at"}

	mock.ExpectQuery(`FROM suppression_entries WHERE address IN \(\$1,\$2\) ORDER BY id`).
		WithArgs("a@example.org", "b@example.org").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), "a@example.org", "cabc", "web", "org", "news", t0))
	entries, err := repo.ListByAddress(context.Background(), []string{" A@Example.org", "b@example.org"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OriginWeb, entries[0].Origin)
	assert.Equal(t, "news", entries[0].Category)

	mock.ExpectQuery(`FROM suppression_entries WHERE address = \$1 AND origin = \$2 LIMIT 1`).
		WithArgs("a@example.org", "bounce").
		WillReturnRows(sqlmock.NewRows(cols))
	_, err = repo.FindByOrigin(context.Background(), "a@example.org", domain.OriginBounce)
	assert.ErrorIs(t, err, suppression.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSuppressionRepo_BounceHistory(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(`FROM mail_statuses s\s+JOIN mails m`).
		WithArgs("a@example.org", "bounced", "dropped", t0).
		WillReturnRows(sqlmock.NewRows([]string{"identifier", "status", "status_code", "created_at"}).
			AddRow("cabc", "bounced", "5.1.1", t0.Add(time.Hour)).
			AddRow("cdef", "dropped", "4.2.2", t0.Add(2*time.Hour)))

	got, err := NewSuppressionRepo(db).BounceHistory(context.Background(), "A@example.org", t0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.StatusDropped, got[1].Status)
	assert.Equal(t, "4.2.2", got[1].StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepo_RecheckCompletes(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM messages WHERE id = \$1 FOR UPDATE`).
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "category", "name", "status",
			"external_optout", "sending_date", "completion_date", "created_at"}).
			AddRow("msg-1", "org", "news", "Spring", "sending", false, t0, nil, t0))
	mock.ExpectQuery(`SELECT recipient FROM mails`).
		WithArgs("msg-1", "campaign", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"recipient"}))
	mock.ExpectExec(`UPDATE messages SET status`).
		WithArgs("msg-1", "sent", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO notifications (.+) ON CONFLICT \(message_id, event\) DO NOTHING`).
		WithArgs("msg-1", "sending_completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	done, err := aggregation.NewService(NewMessageRepo(db)).Recheck(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepo_CountByStatus(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(`GROUP BY current_status`).
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"current_status", "count"}).
			AddRow("delivered", 3).
			AddRow("sending", 1))

	got, err := NewMessageRepo(db).CountByStatus(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, map[domain.Status]int{domain.StatusDelivered: 3, domain.StatusSending: 1}, got)
}

func TestNotificationRepo(t *testing.T) {
	db, mock := newMock(t)
	repo := NewNotificationRepo(db)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(10, int64(60000)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "message_id", "event", "created_at", "delivered_at", "attempts", "last_error"}).
			AddRow(int64(3), "msg-1", "sending_started", t0, nil, 1, ""))
	rows, err := repo.ClaimNotifications(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.EventSendingStarted, rows[0].Event)
	assert.Nil(t, rows[0].DeliveredAt)

	mock.ExpectExec(`UPDATE notifications SET delivered_at`).
		WithArgs(int64(3), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkDelivered(context.Background(), 3, t0))

	mock.ExpectExec(`UPDATE notifications SET last_error`).
		WithArgs(int64(99), "boom", t0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.MarkFailed(context.Background(), 99, "boom", t0), notify.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepo(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDeadLetterRepo(db)
	cols := []string{"id", "task_id", "kind", "payload", "envelope_to", "attempts", "first_attempt_at", "failed_at", "last_error"}

	mock.ExpectQuery(`INSERT INTO dead_letters`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	entry := &ingestion.DeadLetterEntry{TaskID: "t-1", Kind: "dsn", Payload: []byte("raw"), Attempts: 80, FirstAttemptAt: t0, FailedAt: t0, LastError: "db down"}
	require.NoError(t, repo.PutDeadLetter(context.Background(), entry))
	assert.Equal(t, int64(5), entry.ID)

	mock.ExpectQuery(`FROM dead_letters ORDER BY id DESC LIMIT 20`).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(5), "t-1", "dsn", []byte("raw"), "", 80, t0, t0, "db down"))
	list, err := repo.ListDeadLetters(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []byte("raw"), list[0].Payload)

	mock.ExpectQuery(`FROM dead_letters WHERE id = \$1`).WithArgs(int64(6)).WillReturnError(sql.ErrNoRows)
	_, err = repo.GetDeadLetter(context.Background(), 6)
	assert.ErrorIs(t, err, ingestion.ErrDeadLetterNotFound)

	mock.ExpectExec(`DELETE FROM dead_letters`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.DeleteDeadLetter(context.Background(), 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationsAreEmbedded(t *testing.T) {
	ms, err := Migrations().FindMigrations()
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.Equal(t, "0001_mails.sql", ms[0].Id)
	assert.NotEmpty(t, ms[0].Up)
	assert.NotEmpty(t, ms[0].Down)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(sql.ErrNoRows))
	assert.False(t, isUniqueViolation(nil))
}
