package pool

import (
	"time"

	"github.com/iobaixas/nack/worker"
)

// Options configures a Pool's construction and the Options each of its
// Workers is constructed with.
type Options struct {
	// Size is the fixed number of Workers created at construction. The
	// roster only grows or shrinks afterwards via Increment/Decrement.
	Size int `conf:"size"`

	// Program is the worker executable name passed to every Worker.
	Program string `conf:"program"`

	// Idle is the per-worker idle duration; see worker.Options.Idle.
	Idle time.Duration `conf:"idle"`

	// Cwd is the working directory passed to every Worker.
	Cwd string `conf:"cwd"`

	// Env overrides passed to every Worker.
	Env map[string]string `conf:"env"`

	// Debug passes --debug to every worker process.
	Debug bool `conf:"debug"`
}

func (o Options) workerOptions() worker.Options {
	return worker.Options{
		Program: o.Program,
		Cwd:     o.Cwd,
		Env:     o.Env,
		Idle:    o.Idle,
		Debug:   o.Debug,
	}
}

// EventType identifies the kind of a pool-level Event.
type EventType int

const (
	EventWorkerSpawning EventType = iota
	EventWorkerSpawn
	EventWorkerReady
	EventWorkerBusy
	EventWorkerQuitting
	EventWorkerIdle
	EventWorkerExit
	EventWorkerError
	// EventReady fires on the ready-count 0->positive edge, at most once
	// between any two EventExit occurrences.
	EventReady
	// EventExit fires on the alive-count positive->0 edge, at most once
	// between any two EventReady occurrences.
	EventExit
)

func (t EventType) String() string {
	switch t {
	case EventWorkerSpawning:
		return "worker:spawning"
	case EventWorkerSpawn:
		return "worker:spawn"
	case EventWorkerReady:
		return "worker:ready"
	case EventWorkerBusy:
		return "worker:busy"
	case EventWorkerQuitting:
		return "worker:quitting"
	case EventWorkerIdle:
		return "worker:idle"
	case EventWorkerExit:
		return "worker:exit"
	case EventWorkerError:
		return "worker:error"
	case EventReady:
		return "ready"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is a pool-level notification: either a forwarded per-worker
// event (spec.md section 4.3's "worker:*" counterparts) or one of the
// pool's own edge-triggered Ready/Exit events.
type Event struct {
	Type   EventType
	Worker *worker.Worker
	Err    error
	Exit   worker.ExitEvent
}

// ErrorReporter is an optional sink for worker-level errors, letting a
// caller wire crash reporting (e.g. Sentry) without coupling the pool
// itself to a network dependency. Implementations must not block.
type ErrorReporter interface {
	ReportError(err error, tags map[string]string)
}
