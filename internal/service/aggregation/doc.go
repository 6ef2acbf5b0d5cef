// Package aggregation rolls per-recipient Mail states up into the status
// of their parent Message.
//
// The check-and-flip from sending to sent runs with the Message row
// locked, after the triggering Mail write has committed. Whichever
// evaluation runs last therefore sees every committed final state, and
// the status guard under the lock lets exactly one of them flip the
// Message and write the completion notification to the outbox.
package aggregation
