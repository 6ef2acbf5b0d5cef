// Package suppression implements the opt-out list and the bounce policy
// engine that feeds it.
//
// Entries flow in from three paths handled here: bounce history crossing
// a configured policy threshold, feedback loop reports and mail-to
// unsubscribe requests. Web and API opt-outs are written by other
// services through the same get-or-create-or-update contract.
//
// The service layer contains pure business logic and depends on the
// Repository interface defined in repository.go. It never imports
// net/http or database/sql directly.
package suppression
