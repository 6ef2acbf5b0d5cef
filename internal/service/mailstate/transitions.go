package mailstate

import "github.com/ignite/mailflow/internal/domain"

// edges is the complete set of legal (from, to) pairs besides self-loops.
var edges = map[domain.Status][]domain.Status{
	domain.StatusUnknown: {domain.StatusQueued, domain.StatusIgnored},
	domain.StatusQueued:  {domain.StatusSending, domain.StatusIgnored},
	domain.StatusSending: {
		domain.StatusDelayed,
		domain.StatusDelivered,
		domain.StatusBounced,
		domain.StatusDropped,
	},
	domain.StatusDelayed: {
		domain.StatusSending,
		domain.StatusDelivered,
		domain.StatusBounced,
		domain.StatusDropped,
	},
	// A remote MTA may accept a message and bounce it later (backscatter).
	domain.StatusDelivered: {domain.StatusBounced, domain.StatusDropped},
}

// CanTransition reports whether a mail currently in from may move to to.
// Re-applying the current status is always allowed.
func CanTransition(from, to domain.Status) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Targets returns the statuses reachable from from in one step, excluding
// the self-loop.
func Targets(from domain.Status) []domain.Status {
	out := make([]domain.Status, len(edges[from]))
	copy(out, edges[from])
	return out
}
