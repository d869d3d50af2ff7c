package worker

import "errors"

var (
	// ErrConfigMissing means the worker's runtime configuration file did
	// not exist at spawn time.
	ErrConfigMissing = errors.New("worker: config file missing")

	// ErrWorkerProgramMissing means the worker executable could not be
	// resolved via the host's command search.
	ErrWorkerProgramMissing = errors.New("worker: worker program not found")

	// ErrSpawnIO means FIFO creation, pipe open, or process spawn failed.
	ErrSpawnIO = errors.New("worker: spawn io error")

	// ErrNotAbsent is returned by Spawn when the worker is not absent.
	ErrNotAbsent = errors.New("worker: not absent")

	// ErrNotAlive is returned by Terminate/Quit when the worker has no
	// live child to signal.
	ErrNotAlive = errors.New("worker: not alive")

	// ErrNotReady is returned by CreateConnection when the worker did not
	// reach the ready state.
	ErrNotReady = errors.New("worker: not ready")
)
