package aggregation_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/repository/memory"
	"github.com/ignite/mailflow/internal/service/aggregation"
	"github.com/ignite/mailflow/internal/service/mailstate"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	machine *mailstate.Machine
	agg     *aggregation.Service
}

func newFixture(t *testing.T, msg domain.Message) *fixture {
	t.Helper()
	store := memory.New()
	store.PutMessage(msg)
	return &fixture{
		store:   store,
		machine: mailstate.NewMachine(store, mailstate.ByEventTime),
		agg:     aggregation.NewService(store),
	}
}

// addSending creates campaign mails under messageID and moves them to SENDING.
func (f *fixture) addSending(t *testing.T, messageID string, recipients ...string) []string {
	t.Helper()
	ctx := context.Background()
	var mails []*domain.Mail
	for _, r := range recipients {
		mails = append(mails, &domain.Mail{
			Identifier:    domain.NewIdentifier(domain.SourceCampaign),
			Kind:          domain.SourceCampaign,
			Recipient:     r,
			ParentID:      messageID,
			CreatedAt:     t0,
			CurrentStatus: domain.StatusUnknown,
		})
	}
	require.NoError(t, f.store.CreateMails(ctx, mails))

	ids := make([]string, 0, len(mails))
	for _, m := range mails {
		f.apply(t, m.Identifier, domain.StatusQueued, t0.Add(time.Second))
		f.apply(t, m.Identifier, domain.StatusSending, t0.Add(2*time.Second))
		ids = append(ids, m.Identifier)
	}
	return ids
}

func (f *fixture) apply(t *testing.T, id string, st domain.Status, at time.Time) *mailstate.Result {
	t.Helper()
	res, err := f.machine.ApplyStatus(context.Background(), domain.StatusUpdate{Identifier: id, Status: st, Timestamp: at})
	require.NoError(t, err)
	return res
}

func (f *fixture) message(t *testing.T, id string) *domain.Message {
	t.Helper()
	msg, err := f.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return msg
}

func completedCount(store *memory.Store) int {
	n := 0
	for _, row := range store.Notifications() {
		if row.Event == domain.EventSendingCompleted {
			n++
		}
	}
	return n
}

func TestRecheck_CompletesAfterLastMail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Message{ID: "m1", OrganizationID: "org", Status: domain.MessageSending})
	ids := f.addSending(t, "m1", "a@example.com", "b@example.com")

	res := f.apply(t, ids[0], domain.StatusDelivered, t0.Add(time.Minute))
	done, err := f.agg.OnMailReachedFinalState(ctx, res.Mail)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, domain.MessageSending, f.message(t, "m1").Status)

	res = f.apply(t, ids[1], domain.StatusBounced, t0.Add(time.Minute))
	done, err = f.agg.OnMailReachedFinalState(ctx, res.Mail)
	require.NoError(t, err)
	assert.True(t, done)

	msg := f.message(t, "m1")
	assert.Equal(t, domain.MessageSent, msg.Status)
	require.NotNil(t, msg.CompletionDate)
	assert.Equal(t, 1, completedCount(f.store))

	// Rechecking a sent message changes nothing.
	done, err = f.agg.Recheck(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, completedCount(f.store))
}

func TestRecheck_ConcurrentFinalWritesCompleteOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Message{ID: "m1", OrganizationID: "org", Status: domain.MessageSending})

	const n = 25
	recipients := make([]string, n)
	for i := range recipients {
		recipients[i] = "user" + string(rune('a'+i)) + "@example.com"
	}
	ids := f.addSending(t, "m1", recipients...)

	var (
		wg       sync.WaitGroup
		flips    atomic.Int32
		failures atomic.Int32
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := f.machine.ApplyStatus(ctx, domain.StatusUpdate{
				Identifier: id, Status: domain.StatusDelivered, Timestamp: t0.Add(time.Minute),
			})
			if err != nil {
				failures.Add(1)
				return
			}
			done, err := f.agg.OnMailReachedFinalState(ctx, res.Mail)
			if err != nil {
				failures.Add(1)
				return
			}
			if done {
				flips.Add(1)
			}
		}(id)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, int32(1), flips.Load())
	assert.Equal(t, domain.MessageSent, f.message(t, "m1").Status)
	assert.Equal(t, 1, completedCount(f.store))
}

func TestRecheck_SuppressedRecipientsDoNotBlockCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Message{ID: "m1", OrganizationID: "org", Category: "news", Status: domain.MessageSending})
	ids := f.addSending(t, "m1", "a@example.com", "optout@example.com")

	require.NoError(t, f.store.Insert(ctx, &domain.SuppressionEntry{
		Address:        "optout@example.com",
		Identifier:     "tother",
		Origin:         domain.OriginWeb,
		OrganizationID: "org",
		Category:       "news",
		CreatedAt:      t0,
	}))

	res := f.apply(t, ids[0], domain.StatusDelivered, t0.Add(time.Minute))
	done, err := f.agg.OnMailReachedFinalState(ctx, res.Mail)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRecheck_OutOfScopeSuppressionStillBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Message{ID: "m1", OrganizationID: "org", Category: "news", Status: domain.MessageSending})
	ids := f.addSending(t, "m1", "a@example.com", "other@example.com")

	// Opt-out from a different category of the same org, message has no
	// external opt-out.
	require.NoError(t, f.store.Insert(ctx, &domain.SuppressionEntry{
		Address:        "other@example.com",
		Identifier:     "tother",
		Origin:         domain.OriginWeb,
		OrganizationID: "org",
		Category:       "promo",
		CreatedAt:      t0,
	}))

	res := f.apply(t, ids[0], domain.StatusDelivered, t0.Add(time.Minute))
	done, err := f.agg.OnMailReachedFinalState(ctx, res.Mail)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestOnMailReachedFinalState_IgnoresTransactionalAndOrphans(t *testing.T) {
	f := newFixture(t, domain.Message{ID: "m1", Status: domain.MessageSending})

	done, err := f.agg.OnMailReachedFinalState(context.Background(), domain.Mail{Kind: domain.SourceTransactional, ParentID: "b1"})
	require.NoError(t, err)
	assert.False(t, done)

	done, err = f.agg.OnMailReachedFinalState(context.Background(), domain.Mail{Kind: domain.SourceCampaign})
	require.NoError(t, err)
	assert.False(t, done)
}

func TestRecheck_UnknownMessage(t *testing.T) {
	f := newFixture(t, domain.Message{ID: "m1", Status: domain.MessageSending})
	_, err := f.agg.Recheck(context.Background(), "missing")
	assert.ErrorIs(t, err, aggregation.ErrMessageNotFound)
}

func TestStartSending(t *testing.T) {
	ctx := context.Background()

	t.Run("approved with pending mails", func(t *testing.T) {
		f := newFixture(t, domain.Message{ID: "m1", Status: domain.MessageApproved})
		f.addSending(t, "m1", "a@example.com")

		require.NoError(t, f.agg.StartSending(ctx, "m1"))
		msg := f.message(t, "m1")
		assert.Equal(t, domain.MessageSending, msg.Status)
		require.NotNil(t, msg.SendingDate)

		// Second call is a no-op.
		require.NoError(t, f.agg.StartSending(ctx, "m1"))
		rows := f.store.Notifications()
		require.Len(t, rows, 1)
		assert.Equal(t, domain.EventSendingStarted, rows[0].Event)
	})

	t.Run("approved with nothing pending completes", func(t *testing.T) {
		f := newFixture(t, domain.Message{ID: "m1", Status: domain.MessageApproved})

		require.NoError(t, f.agg.StartSending(ctx, "m1"))
		assert.Equal(t, domain.MessageSent, f.message(t, "m1").Status)
		assert.Equal(t, 1, completedCount(f.store))
	})

	t.Run("new message cannot start", func(t *testing.T) {
		f := newFixture(t, domain.Message{ID: "m1", Status: domain.MessageNew})
		err := f.agg.StartSending(ctx, "m1")
		assert.ErrorIs(t, err, aggregation.ErrInvalidState)
		assert.Empty(t, f.store.Notifications())
	})
}

func TestSummarize(t *testing.T) {
	f := newFixture(t, domain.Message{ID: "m1", Status: domain.MessageSending})
	ids := f.addSending(t, "m1", "a@example.com", "b@example.com", "c@example.com")
	f.apply(t, ids[0], domain.StatusDelivered, t0.Add(time.Minute))

	sum, err := f.agg.Summarize(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.ByStatus[domain.StatusDelivered])
	assert.Equal(t, 2, sum.ByStatus[domain.StatusSending])
}

func TestParentScopes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	store.PutMessage(domain.Message{ID: "m1", OrganizationID: "org", Category: "news", ExternalOptout: true})
	store.PutBatch(domain.MailBatch{ID: "b1", OrganizationID: "org2", Category: "receipts"})
	scopes := aggregation.NewParentScopes(store)

	s, err := scopes.ScopeOf(ctx, domain.Mail{Kind: domain.SourceCampaign, ParentID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, domain.Scope{OrganizationID: "org", Category: "news", ExternalOptout: true}, s)

	s, err = scopes.ScopeOf(ctx, domain.Mail{Kind: domain.SourceTransactional, ParentID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, domain.Scope{OrganizationID: "org2", Category: "receipts"}, s)

	s, err = scopes.ScopeOf(ctx, domain.Mail{Kind: domain.SourceTransactional})
	require.NoError(t, err)
	assert.Equal(t, domain.Scope{}, s)

	_, err = scopes.ScopeOf(ctx, domain.Mail{Kind: domain.SourceTransactional, ParentID: "missing"})
	assert.ErrorIs(t, err, aggregation.ErrBatchNotFound)
}
