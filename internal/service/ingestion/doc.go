// Package ingestion is the idempotent task boundary between external
// delivery feedback and the mail state machine.
//
// A task carries a raw feedback artifact (or an already parsed status
// update). Handling it parses the artifact, resolves the Mail, applies
// the status and then runs the effects the state machine returned, in
// order, after the status write has committed. Every task ends in exactly
// one Outcome: done, rejected (permanent, never retried), retry (transient
// failure, re-enqueued with backoff) or dead letter (retry budget spent).
package ingestion
