package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidStatus is returned for a status value outside AllStatuses.
var ErrInvalidStatus = errors.New("invalid mail status")

// Status enumerates the delivery states of a single outbound Mail.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusDelayed   Status = "delayed"
	StatusDelivered Status = "delivered"
	StatusBounced   Status = "bounced"
	StatusDropped   Status = "dropped"
	StatusIgnored   Status = "ignored"
)

// AllStatuses lists every Status in lifecycle order.
var AllStatuses = []Status{
	StatusUnknown,
	StatusQueued,
	StatusSending,
	StatusDelayed,
	StatusDelivered,
	StatusBounced,
	StatusDropped,
	StatusIgnored,
}

// FinalStates are the statuses from which no further automatic transition
// is expected.
var FinalStates = []Status{StatusBounced, StatusDelivered, StatusIgnored, StatusDropped}

// IsFinal reports whether s is one of FinalStates.
func (s Status) IsFinal() bool {
	switch s {
	case StatusBounced, StatusDelivered, StatusIgnored, StatusDropped:
		return true
	}
	return false
}

// IsBounce reports whether s counts toward bounce history.
func (s Status) IsBounce() bool {
	return s == StatusBounced || s == StatusDropped
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus converts a string to a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}
