// Package mailstate implements the delivery status state machine of a
// single outbound Mail.
//
// The transition decision (Apply) is a pure function over a Mail
// and a StatusUpdate: it either returns the recomputed denormalized fields
// plus an ordered list of Effects, or a ForbiddenTransitionError. The
// Machine wraps that decision in a per-mail locked unit of work provided
// by the Repository. Effects are returned to the caller, which runs them
// after the write has committed.
package mailstate
