package queue

import "errors"

// Sentinel enqueue errors.
var (
	ErrFull   = errors.New("queue full")
	ErrClosed = errors.New("queue closed")
)
