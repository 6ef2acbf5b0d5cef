package mailstate

import (
	"testing"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newMail(kind domain.SourceKind, parent string) *domain.Mail {
	created := t0.Add(-time.Hour)
	return &domain.Mail{
		Identifier:      domain.NewIdentifier(kind),
		Kind:            kind,
		Recipient:       "rcpt@example.com",
		ParentID:        parent,
		CreatedAt:       created,
		CurrentStatus:   domain.StatusUnknown,
		CurrentStatusAt: &created,
	}
}

func update(m *domain.Mail, s domain.Status, at time.Time) domain.StatusUpdate {
	return domain.StatusUpdate{Identifier: m.Identifier, Status: s, Timestamp: at}
}

func mustApply(t *testing.T, m *domain.Mail, u domain.StatusUpdate, p CurrentStatusPolicy) Decision {
	t.Helper()
	d, err := Apply(m, u, p)
	require.NoError(t, err)
	return d
}

func TestApply_HappyPath(t *testing.T) {
	m := newMail(domain.SourceCampaign, "msg-1")

	mustApply(t, m, update(m, domain.StatusQueued, t0), ByEventTime)
	mustApply(t, m, update(m, domain.StatusSending, t0.Add(time.Second)), ByEventTime)
	d := mustApply(t, m, update(m, domain.StatusDelivered, t0.Add(time.Minute)), ByEventTime)

	assert.Equal(t, domain.StatusDelivered, m.CurrentStatus)
	assert.Equal(t, t0, *m.FirstStatusAt)
	assert.Equal(t, t0.Add(time.Minute), *m.LatestStatusAt)
	require.NotNil(t, m.DeliveryDuration)
	assert.Equal(t, time.Minute, *m.DeliveryDuration)
	assert.False(t, m.HadDelay)
	assert.Equal(t, []Effect{EffectRecheckAggregate}, d.Effects)
}

func TestApply_OutOfOrderKeepsLatestEventTime(t *testing.T) {
	m := newMail(domain.SourceCampaign, "")

	mustApply(t, m, update(m, domain.StatusQueued, t0), ByEventTime)
	mustApply(t, m, update(m, domain.StatusSending, t0.Add(time.Minute)), ByEventTime)
	mustApply(t, m, update(m, domain.StatusDelayed, t0.Add(3*time.Minute)), ByEventTime)
	// A late SENDING stamped before the DELAYED is legal but not current.
	d := mustApply(t, m, update(m, domain.StatusSending, t0.Add(2*time.Minute)), ByEventTime)

	assert.False(t, d.Current)
	assert.Equal(t, domain.StatusDelayed, m.CurrentStatus)
	assert.Equal(t, t0.Add(3*time.Minute), *m.LatestStatusAt)
	assert.Empty(t, d.Effects)
}

func TestApply_ArrivalPolicyDiffersFromEventTime(t *testing.T) {
	byTime := newMail(domain.SourceTransactional, "")
	byArrival := newMail(domain.SourceTransactional, "")

	for _, m := range []*domain.Mail{byTime, byArrival} {
		p := ByEventTime
		if m == byArrival {
			p = ByArrival
		}
		mustApply(t, m, update(m, domain.StatusQueued, t0), p)
		mustApply(t, m, update(m, domain.StatusSending, t0.Add(time.Minute)), p)
		mustApply(t, m, update(m, domain.StatusDelayed, t0.Add(3*time.Minute)), p)
		mustApply(t, m, update(m, domain.StatusSending, t0.Add(2*time.Minute)), p)
	}

	assert.Equal(t, domain.StatusDelayed, byTime.CurrentStatus)
	assert.Equal(t, domain.StatusSending, byArrival.CurrentStatus)
}

func TestApply_ReapplyingFinalStatusReemitsEffects(t *testing.T) {
	m := newMail(domain.SourceCampaign, "msg-1")
	mustApply(t, m, update(m, domain.StatusQueued, t0), ByEventTime)
	mustApply(t, m, update(m, domain.StatusSending, t0), ByEventTime)

	first := mustApply(t, m, update(m, domain.StatusBounced, t0.Add(time.Minute)), ByEventTime)
	snapshot := *m
	again := mustApply(t, m, update(m, domain.StatusBounced, t0.Add(time.Minute)), ByEventTime)

	assert.True(t, again.Reapplied)
	assert.Equal(t, first.Effects, again.Effects)
	assert.Equal(t, []Effect{EffectEvaluateSuppression, EffectRecheckAggregate}, again.Effects)
	assert.Equal(t, snapshot.CurrentStatus, m.CurrentStatus)
	assert.Equal(t, *snapshot.LatestStatusAt, *m.LatestStatusAt)
	assert.Equal(t, *snapshot.FirstStatusAt, *m.FirstStatusAt)
}

func TestApply_LateBounceEvaluatesSuppression(t *testing.T) {
	m := newMail(domain.SourceCampaign, "msg-1")
	mustApply(t, m, update(m, domain.StatusQueued, t0), ByEventTime)
	mustApply(t, m, update(m, domain.StatusSending, t0), ByEventTime)
	mustApply(t, m, update(m, domain.StatusDelivered, t0.Add(20*time.Second)), ByEventTime)

	d := mustApply(t, m, update(m, domain.StatusBounced, t0.Add(10*time.Second)), ByEventTime)

	assert.False(t, d.Current)
	assert.Equal(t, domain.StatusDelivered, m.CurrentStatus)
	assert.Equal(t, []Effect{EffectEvaluateSuppression}, d.Effects, "no aggregate recheck for a status that is not current")
}

func TestApply_DroppedSetsHadDelay(t *testing.T) {
	m := newMail(domain.SourceTransactional, "")
	mustApply(t, m, update(m, domain.StatusQueued, t0), ByEventTime)
	mustApply(t, m, update(m, domain.StatusSending, t0), ByEventTime)
	mustApply(t, m, update(m, domain.StatusDelayed, t0.Add(time.Minute)), ByEventTime)
	assert.False(t, m.HadDelay, "DELAYED alone does not set the flag")

	d := mustApply(t, m, update(m, domain.StatusDropped, t0.Add(2*time.Minute)), ByEventTime)
	assert.True(t, m.HadDelay)
	// Transactional mails have no aggregate to recheck.
	assert.Equal(t, []Effect{EffectEvaluateSuppression}, d.Effects)
}

func TestApply_Backscatter(t *testing.T) {
	m := newMail(domain.SourceCampaign, "msg-1")
	mustApply(t, m, update(m, domain.StatusQueued, t0), ByEventTime)
	mustApply(t, m, update(m, domain.StatusSending, t0), ByEventTime)
	mustApply(t, m, update(m, domain.StatusDelivered, t0.Add(time.Minute)), ByEventTime)

	d := mustApply(t, m, update(m, domain.StatusBounced, t0.Add(time.Hour)), ByEventTime)

	assert.Equal(t, domain.StatusBounced, m.CurrentStatus)
	assert.True(t, d.HasEffect(EffectEvaluateSuppression))
	assert.True(t, d.HasEffect(EffectRecheckAggregate))

	_, err := Apply(m, update(m, domain.StatusDelivered, t0.Add(2*time.Hour)), ByEventTime)
	assert.ErrorIs(t, err, ErrForbiddenTransition)
}

func TestApply_EventBeforeMailCreationStillBecomesCurrent(t *testing.T) {
	m := newMail(domain.SourceTransactional, "")
	skewed := m.CreatedAt.Add(-time.Minute)

	d := mustApply(t, m, update(m, domain.StatusQueued, skewed), ByEventTime)

	assert.True(t, d.Current)
	assert.Equal(t, domain.StatusQueued, m.CurrentStatus)
}

func TestApply_FirstStatusNeverOverwritten(t *testing.T) {
	m := newMail(domain.SourceTransactional, "")
	mustApply(t, m, update(m, domain.StatusQueued, t0), ByEventTime)
	mustApply(t, m, update(m, domain.StatusQueued, t0.Add(-time.Hour)), ByEventTime)

	assert.Equal(t, t0, *m.FirstStatusAt)
}

func TestParsePolicy(t *testing.T) {
	assert.Equal(t, ByArrival, ParsePolicy("arrival"))
	assert.Equal(t, ByEventTime, ParsePolicy("event_time"))
	assert.Equal(t, ByEventTime, ParsePolicy(""))
}
