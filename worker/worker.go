package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const tempPrefix = "nack"

// workerProgramPaths caches, per program name, the first successful
// lookup through the host's command search, so every later spawn of the
// same program reuses the resolved absolute path. Failed lookups are not
// cached.
var (
	workerProgramMu    sync.Mutex
	workerProgramPaths = map[string]string{}
)

func lookupWorkerProgram(name string) (string, error) {
	workerProgramMu.Lock()
	defer workerProgramMu.Unlock()
	if path, ok := workerProgramPaths[name]; ok {
		return path, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", err
	}
	workerProgramPaths[name] = path
	return path, nil
}

// Worker supervises one child process hosting a single listening local
// socket, per spec.md section 4.2.
type Worker struct {
	id         int
	configPath string
	opts       Options
	log        *zap.Logger

	mu        sync.Mutex
	state     State
	proc      *proc
	sockPath  string
	pipePath  string
	pipe      *os.File
	idleTimer *time.Timer

	events chan Event

	subsMu sync.Mutex
	subs   []chan Event
}

// eventQueueSize bounds the worker's own event mailbox. It is sized well
// above anything a single spawn/handshake/exit cycle can produce so
// emit never blocks the state machine.
const eventQueueSize = 64

// New constructs a Worker in the absent state. configPath is the
// absolute path of the worker's runtime configuration file; it is not
// checked for existence until Spawn is called.
func New(id int, configPath string, opts Options, log *zap.Logger) *Worker {
	if opts.Program == "" {
		opts.Program = "nack_worker"
	}
	w := &Worker{
		id:         id,
		configPath: configPath,
		opts:       opts,
		log:        log.Named("worker").With(zap.Int("worker_id", id)),
		state:      StateAbsent,
		events:     make(chan Event, eventQueueSize),
	}
	go w.dispatchLoop()
	return w
}

// ID returns the identifier the worker was constructed with (its owning
// pool assigns them in increasing order and never reuses one), used to
// tag aggregate log lines and as a stable identifier across restarts.
func (w *Worker) ID() int { return w.id }

// State returns the worker's current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Subscribe registers for the worker's events. The returned cancel func
// removes the subscription; callers should always defer it.
func (w *Worker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)

	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()

	cancel := func() {
		w.subsMu.Lock()
		defer w.subsMu.Unlock()
		for i, c := range w.subs {
			if c == ch {
				w.subs = append(w.subs[:i], w.subs[i+1:]...)
				break
			}
		}
	}

	return ch, cancel
}

// emit enqueues ev onto the worker's own mailbox and returns immediately,
// so the caller (typically mid state-transition) never blocks on a slow
// subscriber. dispatchLoop is the sole reader and is what actually
// delivers events, in the order emit was called.
func (w *Worker) emit(ev Event) {
	w.events <- ev
}

// dispatchLoop is the worker's single event-dispatch goroutine: it drains
// the mailbox and fans each event out to every current subscriber, in
// order. Per spec.md sections 5 and 8, spawn precedes ready precedes busy
// precedes exit for one worker's subscribers — that ordering only holds
// if delivery is serialized through one goroutine rather than a fresh
// goroutine per event per subscriber.
func (w *Worker) dispatchLoop() {
	for ev := range w.events {
		w.subsMu.Lock()
		subs := make([]chan Event, len(w.subs))
		copy(subs, w.subs)
		w.subsMu.Unlock()

		for _, ch := range subs {
			ch <- ev
		}
	}
}

func (w *Worker) fail(err error) {
	w.log.Error("worker error", zap.Error(err))
	w.emit(Event{Type: EventError, Worker: w, Err: err})
}

// Stdout returns the child's stdout stream and whether one is currently
// available (the worker has a live process).
func (w *Worker) Stdout() (io.Reader, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc == nil {
		return nil, false
	}
	return w.proc.stdout, true
}

// Stderr returns the child's stderr stream and whether one is currently
// available.
func (w *Worker) Stderr() (io.Reader, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc == nil {
		return nil, false
	}
	return w.proc.stderr, true
}

// Spawn starts the child process if the worker is absent. It returns
// once the state transition to spawning has registered; the rest of the
// handshake proceeds asynchronously and is reported via events.
func (w *Worker) Spawn(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateAbsent {
		w.mu.Unlock()
		return ErrNotAbsent
	}
	w.state = StateSpawning
	w.mu.Unlock()

	w.emit(Event{Type: EventSpawning, Worker: w})

	go w.spawn(ctx)

	return nil
}

func (w *Worker) spawn(ctx context.Context) {
	if _, err := os.Stat(w.configPath); err != nil {
		w.resetToAbsent()
		w.fail(fmt.Errorf("%w: %v", ErrConfigMissing, err))
		return
	}

	progPath, err := lookupWorkerProgram(w.opts.Program)
	if err != nil {
		w.resetToAbsent()
		w.fail(fmt.Errorf("%w: %v", ErrWorkerProgramMissing, err))
		return
	}

	stem := fmt.Sprintf("%s.%d.%s", tempPrefix, os.Getpid(), uuid.NewString())
	sockPath := filepath.Join(os.TempDir(), stem+".sock")
	pipePath := filepath.Join(os.TempDir(), stem+".pipe")

	if err := mkfifo(pipePath); err != nil {
		w.resetToAbsent()
		w.fail(fmt.Errorf("%w: mkfifo: %v", ErrSpawnIO, err))
		return
	}

	type readResult struct {
		f   *os.File
		err error
	}
	readDone := make(chan readResult, 1)
	go func() {
		f, err := openPipeRead(pipePath)
		readDone <- readResult{f, err}
	}()

	args := []string{"--file", sockPath, "--pipe", pipePath}
	if w.opts.Debug {
		args = append(args, "--debug")
	}
	args = append(args, w.configPath)

	p, err := startProc(procConfig{
		Program: progPath,
		Args:    args,
		Cwd:     w.opts.Cwd,
		Env:     mergeEnv(w.opts.Env),
	})
	if err != nil {
		os.Remove(pipePath)
		w.resetToAbsent()
		w.fail(fmt.Errorf("%w: spawn: %v", ErrSpawnIO, err))
		return
	}

	var res readResult
	select {
	case res = <-readDone:
	case exit := <-p.termination:
		// the child exited without opening its end of the handshake pipe;
		// open the FIFO here so the pending read-side open returns.
		if f, err := openPipeWrite(pipePath); err == nil {
			f.Close()
		}
		if r := <-readDone; r.f != nil {
			r.f.Close()
		}
		os.Remove(sockPath)
		os.Remove(pipePath)
		w.onExit(exit)
		return
	}
	if res.err != nil {
		w.resetToAbsent()
		w.fail(fmt.Errorf("%w: open pipe: %v", ErrSpawnIO, res.err))
		return
	}

	w.mu.Lock()
	w.proc = p
	w.sockPath = sockPath
	w.pipePath = pipePath
	w.mu.Unlock()

	go w.watchExit(p)
	go w.awaitHandshake(res.f, pipePath)
}

// awaitHandshake blocks until the child closes its write end of the
// pipe (observed as EOF on our read end), then reopens the pipe for
// writing; the successful reopen is the worker becoming ready.
func (w *Worker) awaitHandshake(readPipe *os.File, pipePath string) {
	_, _ = io.Copy(io.Discard, readPipe)
	readPipe.Close()

	writePipe, err := openPipeWrite(pipePath)
	if err != nil {
		w.fail(fmt.Errorf("%w: reopen pipe: %v", ErrSpawnIO, err))
		return
	}

	w.mu.Lock()
	if w.state != StateSpawning {
		// a termination or exit raced the handshake; don't resurrect it.
		w.mu.Unlock()
		writePipe.Close()
		return
	}
	w.pipe = writePipe
	w.state = StateReady
	w.mu.Unlock()

	w.emit(Event{Type: EventSpawn, Worker: w})
	w.emit(Event{Type: EventReady, Worker: w})
}

func (w *Worker) watchExit(p *proc) {
	exit := <-p.termination
	w.onExit(exit)
}

func (w *Worker) onExit(exit ExitEvent) {
	w.mu.Lock()
	w.cancelIdleTimerLocked()
	if w.pipe != nil {
		w.pipe.Close()
	}
	sockPath, pipePath := w.sockPath, w.pipePath
	w.proc = nil
	w.pipe = nil
	w.sockPath = ""
	w.pipePath = ""
	w.state = StateAbsent
	w.mu.Unlock()

	if sockPath != "" {
		if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
			w.log.Debug("unlink socket failed", zap.Error(err), zap.String("path", sockPath))
		}
	}
	if pipePath != "" {
		if err := os.Remove(pipePath); err != nil && !os.IsNotExist(err) {
			w.log.Debug("unlink pipe failed", zap.Error(err), zap.String("path", pipePath))
		}
	}

	w.emit(Event{Type: EventExit, Worker: w, Exit: exit})
}

func (w *Worker) resetToAbsent() {
	w.mu.Lock()
	w.state = StateAbsent
	w.mu.Unlock()
}

// SocketPath returns the worker's current socket path and whether the
// worker currently owns one (i.e. is not absent).
func (w *Worker) SocketPath() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sockPath == "" {
		return "", false
	}
	return w.sockPath, true
}

// armIdleTimer cancels any pending idle timer and, if an idle duration
// is configured, arms a new one. Per spec.md section 3's invariant, the
// timer only ticks while the worker is serving: it fires here on every
// busy transition and is cancelled on the matching ready/exit
// transition.
func (w *Worker) armIdleTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelIdleTimerLocked()
	if w.opts.Idle <= 0 {
		return
	}
	w.idleTimer = time.AfterFunc(w.opts.Idle, w.onIdle)
}

func (w *Worker) cancelIdleTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelIdleTimerLocked()
}

func (w *Worker) cancelIdleTimerLocked() {
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
}

func (w *Worker) onIdle() {
	w.emit(Event{Type: EventIdle, Worker: w})
	_ = w.Quit()
}

// CreateConnection ensures the worker is live (spawning it if absent),
// waits for readiness, transitions to busy, and returns the worker's
// socket path. It does not dial the socket: the caller dials it and
// calls ReleaseConnection once the exchange has closed.
func (w *Worker) CreateConnection(ctx context.Context) (string, error) {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	if state == StateAbsent {
		if err := w.Spawn(ctx); err != nil {
			return "", err
		}
	}

	if err := w.waitForReady(ctx); err != nil {
		return "", err
	}

	w.mu.Lock()
	if w.state != StateReady {
		w.mu.Unlock()
		return "", ErrNotReady
	}
	w.state = StateBusy
	sockPath := w.sockPath
	w.mu.Unlock()

	w.armIdleTimer()
	w.emit(Event{Type: EventBusy, Worker: w})

	return sockPath, nil
}

// ReleaseConnection returns a busy worker to ready. Callers invoke this
// once the exchange dialed via CreateConnection's socket path has
// closed.
func (w *Worker) ReleaseConnection() {
	w.mu.Lock()
	if w.state != StateBusy {
		w.mu.Unlock()
		return
	}
	w.state = StateReady
	w.mu.Unlock()

	w.cancelIdleTimer()
	w.emit(Event{Type: EventReady, Worker: w})
}

func (w *Worker) waitForReady(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateReady {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	ch, cancel := w.Subscribe()
	defer cancel()

	for {
		w.mu.Lock()
		state := w.state
		w.mu.Unlock()
		if state == StateReady {
			return nil
		}
		if state == StateAbsent || state == StateQuitting {
			return ErrNotReady
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			if ev.Type == EventError {
				return ev.Err
			}
		}
	}
}

// Terminate sends the child a forceful-kill signal (SIGTERM) and
// transitions to quitting immediately.
func (w *Worker) Terminate() error {
	return w.shutdown(syscall.SIGTERM)
}

// Quit sends the child a graceful-quit signal (SIGQUIT), allowing it to
// finish any in-flight request before exiting, and transitions to
// quitting immediately.
func (w *Worker) Quit() error {
	return w.shutdown(syscall.SIGQUIT)
}

func (w *Worker) shutdown(sig syscall.Signal) error {
	w.mu.Lock()
	if w.state == StateAbsent {
		w.mu.Unlock()
		return ErrNotAlive
	}
	p := w.proc
	w.state = StateQuitting
	w.mu.Unlock()

	w.emit(Event{Type: EventQuitting, Worker: w})

	if p == nil {
		// still spawning: the handshake goroutine checks state before
		// promoting to ready, and the exit goroutine will still fire
		// once the child (if any) reports in.
		return nil
	}

	return p.signal(sig)
}

// Restart quits the worker (if alive) and respawns it once the child
// has exited. If the worker is already absent, it spawns immediately.
func (w *Worker) Restart(ctx context.Context) error {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	if state == StateAbsent {
		return w.Spawn(ctx)
	}

	ch, cancel := w.Subscribe()
	defer cancel()

	if err := w.Quit(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			if ev.Type == EventExit {
				return w.Spawn(ctx)
			}
		}
	}
}

func mergeEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
