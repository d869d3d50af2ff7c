package pool

import "errors"

var (
	// ErrInvalidSize is returned by New when Options.Size is less than 1.
	ErrInvalidSize = errors.New("pool: size must be >= 1")

	// ErrNoWorkers is returned by Proxy when the pool has been shrunk to
	// zero workers.
	ErrNoWorkers = errors.New("pool: no workers")
)
