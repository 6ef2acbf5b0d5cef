// Package feedback turns raw delivery feedback into canonical events.
//
// Supported inputs are RFC 3464 delivery status notifications, RFC 5965
// abuse (feedback loop) reports, mails sent to an unsubscribe address,
// SMTP replies handed over by the sending worker and PowerMTA accounting
// records. Every parser resolves the Mail identifier through the VERP
// address grammar and returns an Event; malformed input yields a
// *ParseError, which callers log and drop.
package feedback
