package ingestion

import "errors"

// Sentinel errors for the ingestion layer.
var (
	ErrUnknownTask        = errors.New("unknown task kind")
	ErrMalformedTask      = errors.New("malformed task payload")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)
