package mailstate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/mailflow/internal/domain"
)

// Sentinel errors for the mail state layer.
var (
	ErrMailNotFound        = errors.New("mail not found")
	ErrForbiddenTransition = errors.New("forbidden status transition")
	ErrLockBusy            = errors.New("recipient lock held by another worker")
)

// ForbiddenTransitionError reports an illegal (from, to) pair for one mail.
// It matches ErrForbiddenTransition with errors.Is.
type ForbiddenTransitionError struct {
	Identifier string
	From       domain.Status
	To         domain.Status
}

func (e *ForbiddenTransitionError) Error() string {
	targets := Targets(e.From)
	if len(targets) == 0 {
		return fmt.Sprintf("mail %s: forbidden transition %s -> %s (%s is final)", e.Identifier, e.From, e.To, e.From)
	}
	allowed := make([]string, len(targets))
	for i, t := range targets {
		allowed[i] = string(t)
	}
	return fmt.Sprintf("mail %s: forbidden transition %s -> %s (allowed: %s)",
		e.Identifier, e.From, e.To, strings.Join(allowed, ", "))
}

func (e *ForbiddenTransitionError) Is(target error) bool {
	return target == ErrForbiddenTransition
}
