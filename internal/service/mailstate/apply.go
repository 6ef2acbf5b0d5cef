package mailstate

import (
	"time"

	"github.com/ignite/mailflow/internal/domain"
)

// CurrentStatusPolicy selects how CurrentStatus is recomputed when a
// status is appended.
type CurrentStatusPolicy string

const (
	// ByEventTime keeps the status with the greatest event timestamp,
	// ties going to the later insertion.
	ByEventTime CurrentStatusPolicy = "event_time"
	// ByArrival overwrites CurrentStatus with every accepted update.
	ByArrival CurrentStatusPolicy = "arrival"
)

// ParsePolicy maps a config value to a policy, defaulting to ByEventTime.
func ParsePolicy(v string) CurrentStatusPolicy {
	if CurrentStatusPolicy(v) == ByArrival {
		return ByArrival
	}
	return ByEventTime
}

// Effect is a downstream action triggered by an accepted status.
type Effect string

const (
	EffectEvaluateSuppression Effect = "evaluate_suppression"
	EffectRecheckAggregate    Effect = "recheck_aggregate"
)

// Decision is the result of applying one update to one mail.
type Decision struct {
	Previous domain.Status
	// Current is true when the update became the mail's current status.
	Current bool
	// Reapplied is true when the update carried the status the mail was
	// already in.
	Reapplied bool
	Effects   []Effect
}

// HasEffect reports whether e is part of the decision.
func (d Decision) HasEffect(e Effect) bool {
	for _, got := range d.Effects {
		if got == e {
			return true
		}
	}
	return false
}

// Apply validates u against m and, when legal, updates m's denormalized
// fields in place. On a forbidden transition m is left untouched.
//
// Every recorded bounce is evaluated for suppression, current or not, since
// bounce history counts it either way. The aggregate is rechecked only when
// the update is (or re-asserts) the mail's current final status.
// Re-delivering the same update lets a retried task finish effects that did
// not complete the first time. Every effect is idempotent.
func Apply(m *domain.Mail, u domain.StatusUpdate, policy CurrentStatusPolicy) (Decision, error) {
	from := m.CurrentStatus
	if from == "" {
		from = domain.StatusUnknown
	}
	if !CanTransition(from, u.Status) {
		return Decision{}, &ForbiddenTransitionError{Identifier: m.Identifier, From: from, To: u.Status}
	}

	d := Decision{Previous: from, Reapplied: from == u.Status}
	ts := u.Timestamp.UTC()

	if wins(m, ts, policy) {
		m.CurrentStatus = u.Status
		m.CurrentStatusAt = timePtr(ts)
		d.Current = true
	}

	if u.Status != domain.StatusUnknown && m.FirstStatusAt == nil {
		m.FirstStatusAt = timePtr(ts)
	}
	if u.Status != domain.StatusUnknown && (m.LatestStatusAt == nil || ts.After(*m.LatestStatusAt)) {
		m.LatestStatusAt = timePtr(ts)
	}
	if m.FirstStatusAt != nil && m.LatestStatusAt != nil {
		dur := m.LatestStatusAt.Sub(*m.FirstStatusAt)
		m.DeliveryDuration = &dur
	}

	// A drop is a soft bounce; the flag never goes back to false.
	if u.Status == domain.StatusDropped {
		m.HadDelay = true
	}

	if u.Status.IsBounce() {
		d.Effects = append(d.Effects, EffectEvaluateSuppression)
	}
	if d.Current && u.Status.IsFinal() && m.HasParent() && m.Kind == domain.SourceCampaign {
		d.Effects = append(d.Effects, EffectRecheckAggregate)
	}
	return d, nil
}

// wins decides whether an update stamped ts replaces the current status.
// The synthetic UNKNOWN bootstrap status never outranks a real observation.
func wins(m *domain.Mail, ts time.Time, policy CurrentStatusPolicy) bool {
	if policy == ByArrival {
		return true
	}
	if m.CurrentStatusAt == nil || m.CurrentStatus == domain.StatusUnknown || m.CurrentStatus == "" {
		return true
	}
	return !ts.Before(*m.CurrentStatusAt)
}

func timePtr(t time.Time) *time.Time { return &t }
