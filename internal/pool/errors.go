package pool

import "errors"

var (
	// ErrPoolClosed is returned by Acquire once the pool has been closed.
	ErrPoolClosed = errors.New("pool closed")
	// ErrCheckoutTimeout is returned when Acquire waits past its deadline.
	ErrCheckoutTimeout = errors.New("checkout timeout")
)
