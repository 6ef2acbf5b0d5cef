package aggregation

import "errors"

// Sentinel errors for the aggregation service layer.
var (
	ErrMessageNotFound = errors.New("message not found")
	ErrBatchNotFound   = errors.New("mail batch not found")
	ErrInvalidState    = errors.New("message is not in a state that allows this transition")
)
