package pool

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/iobaixas/nack/client"
	"github.com/iobaixas/nack/worker"
	"go.uber.org/zap"
)

type workerStatus struct {
	alive bool
	ready bool
}

// Pool supervises a fixed-size (until grown or shrunk) collection of
// Workers, per spec.md section 4.3: a shared round-robin-plus-readiness
// scheduling policy, two aggregate log streams, and edge-triggered
// ready/exit notifications derived from the roster's collective state.
type Pool struct {
	configPath string
	opts       Options
	log        *zap.Logger
	reporter   ErrorReporter

	Stdout *AggregateStream
	Stderr *AggregateStream

	closeCh chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	workers  []*worker.Worker
	statuses map[int]*workerStatus
	cursor   uint64
	nextID   int
	readyN   int
	aliveN   int

	events chan Event

	subsMu sync.Mutex
	subs   []chan Event
}

// eventQueueSize bounds the pool's own event mailbox, sized well above
// anything a single roster transition can produce.
const eventQueueSize = 64

// New constructs a Pool of opts.Size Workers, all sharing configPath,
// constructed but not spawned. reporter may be nil.
func New(configPath string, opts Options, log *zap.Logger, reporter ErrorReporter) (*Pool, error) {
	if opts.Size < 1 {
		return nil, ErrInvalidSize
	}

	p := &Pool{
		configPath: configPath,
		opts:       opts,
		log:        log.Named("pool"),
		reporter:   reporter,
		Stdout:     newAggregateStream(),
		Stderr:     newAggregateStream(),
		closeCh:    make(chan struct{}),
		statuses:   make(map[int]*workerStatus),
		events:     make(chan Event, eventQueueSize),
	}
	go p.dispatchLoop()

	for i := 0; i < opts.Size; i++ {
		p.addWorker()
	}

	return p, nil
}

func (p *Pool) addWorker() *worker.Worker {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	w := worker.New(id, p.configPath, p.opts.workerOptions(), p.log)

	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.statuses[id] = &workerStatus{}
	p.mu.Unlock()

	p.attach(w)
	return w
}

func (p *Pool) attach(w *worker.Worker) {
	ch, cancel := w.Subscribe()

	go func() {
		for {
			select {
			case ev := <-ch:
				p.handleWorkerEvent(w, ev)
			case <-p.closeCh:
				cancel()
				return
			}
		}
	}()
}

// Close stops forwarding every worker's events into the pool. It does
// not itself terminate any worker; callers that want a clean shutdown
// should call Terminate first.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closeCh) })
}

func (p *Pool) handleWorkerEvent(w *worker.Worker, ev worker.Event) {
	id := w.ID()

	switch ev.Type {
	case worker.EventSpawning:
		p.setAlive(id, true)
		p.forward(EventWorkerSpawning, w, nil, worker.ExitEvent{})
	case worker.EventSpawn:
		p.registerStreams(w)
		p.setAlive(id, true)
		p.forward(EventWorkerSpawn, w, nil, worker.ExitEvent{})
	case worker.EventReady:
		p.setReady(id, true)
		p.forward(EventWorkerReady, w, nil, worker.ExitEvent{})
	case worker.EventBusy:
		p.setReady(id, false)
		p.forward(EventWorkerBusy, w, nil, worker.ExitEvent{})
	case worker.EventQuitting:
		p.forward(EventWorkerQuitting, w, nil, worker.ExitEvent{})
	case worker.EventIdle:
		p.forward(EventWorkerIdle, w, nil, worker.ExitEvent{})
	case worker.EventExit:
		p.forward(EventWorkerExit, w, nil, ev.Exit)
		p.setAlive(id, false)
	case worker.EventError:
		if w.State() == worker.StateAbsent {
			// a failed spawn returns the worker to absent without an exit
			p.setAlive(id, false)
		}
		if p.reporter != nil {
			p.reporter.ReportError(ev.Err, map[string]string{"worker_id": strconv.Itoa(id)})
		}
		p.forward(EventWorkerError, w, ev.Err, worker.ExitEvent{})
	}
}

func (p *Pool) registerStreams(w *worker.Worker) {
	if r, ok := w.Stdout(); ok {
		p.Stdout.register(w.ID(), r)
	}
	if r, ok := w.Stderr(); ok {
		p.Stderr.register(w.ID(), r)
	}
}

func (p *Pool) setAlive(id int, alive bool) {
	p.mu.Lock()
	st, ok := p.statuses[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.alive = alive
	if !alive {
		st.ready = false
	}
	p.mu.Unlock()
	p.checkPoolEdges()
}

func (p *Pool) setReady(id int, ready bool) {
	p.mu.Lock()
	st, ok := p.statuses[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.ready = ready
	p.mu.Unlock()
	p.checkPoolEdges()
}

// checkPoolEdges recomputes ready/alive counts from the roster's
// statuses and emits the pool-level Ready/Exit events on their
// respective crossings, per the invariant in spec.md section 3: ready
// fires at most once between exits, and vice versa.
func (p *Pool) checkPoolEdges() {
	p.mu.Lock()
	ready, alive := 0, 0
	for _, st := range p.statuses {
		if st.alive {
			alive++
		}
		if st.ready {
			ready++
		}
	}
	prevReady, prevAlive := p.readyN, p.aliveN
	p.readyN, p.aliveN = ready, alive
	p.mu.Unlock()

	if prevReady == 0 && ready > 0 {
		p.emit(Event{Type: EventReady})
	}
	if prevAlive > 0 && alive == 0 {
		p.emit(Event{Type: EventExit})
	}
}

func (p *Pool) forward(t EventType, w *worker.Worker, err error, exit worker.ExitEvent) {
	p.emit(Event{Type: t, Worker: w, Err: err, Exit: exit})
}

// Subscribe registers for the pool's events. The returned cancel func
// removes the subscription; callers should always defer it.
func (p *Pool) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	p.subsMu.Lock()
	p.subs = append(p.subs, ch)
	p.subsMu.Unlock()

	cancel := func() {
		p.subsMu.Lock()
		defer p.subsMu.Unlock()
		for i, c := range p.subs {
			if c == ch {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				break
			}
		}
	}

	return ch, cancel
}

// emit enqueues ev onto the pool's own mailbox; dispatchLoop is the sole
// reader and delivers events to subscribers in the order emit was called
// (see worker.Worker.emit/dispatchLoop for why a goroutine-per-event fan
// out breaks ordering).
func (p *Pool) emit(ev Event) {
	p.events <- ev
}

func (p *Pool) dispatchLoop() {
	for ev := range p.events {
		p.subsMu.Lock()
		subs := make([]chan Event, len(p.subs))
		copy(subs, p.subs)
		p.subsMu.Unlock()

		for _, ch := range subs {
			ch <- ev
		}
	}
}

// Workers returns a snapshot of the current roster, in insertion order.
func (p *Pool) Workers() []*worker.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*worker.Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

// ReadyCount and AliveCount report the roster's current tallies.
func (p *Pool) ReadyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyN
}

func (p *Pool) AliveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aliveN
}

// NextWorker implements spec.md section 4.3's scheduling policy: prefer
// any worker currently ready, scanning in insertion order; otherwise
// return the worker at the round-robin cursor and advance it.
func (p *Pool) NextWorker() (*worker.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) == 0 {
		return nil, ErrNoWorkers
	}

	for _, w := range p.workers {
		if w.State() == worker.StateReady {
			return w, nil
		}
	}

	idx := p.cursor % uint64(len(p.workers))
	p.cursor++
	return p.workers[idx], nil
}

// Spawn broadcasts spawn to every worker in the roster.
func (p *Pool) Spawn(ctx context.Context) error {
	var firstErr error
	for _, w := range p.Workers() {
		if err := w.Spawn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Quit broadcasts a graceful quit to every worker in the roster.
func (p *Pool) Quit() error {
	var firstErr error
	for _, w := range p.Workers() {
		if err := w.Quit(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Terminate broadcasts a forceful termination to every worker in the
// roster.
func (p *Pool) Terminate() error {
	var firstErr error
	for _, w := range p.Workers() {
		if err := w.Terminate(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Increment grows the pool by one, appending a freshly constructed (not
// yet spawned) Worker.
func (p *Pool) Increment() *worker.Worker {
	return p.addWorker()
}

// Decrement shrinks the pool by removing the head Worker and telling it
// to quit. The removal is immediate; the quit is fire-and-forget.
func (p *Pool) Decrement() {
	p.mu.Lock()
	if len(p.workers) == 0 {
		p.mu.Unlock()
		return
	}
	head := p.workers[0]
	p.workers = p.workers[1:]
	p.mu.Unlock()

	_ = head.Quit()
}

// Restart implements spec.md section 4.3's restart operation: if no
// worker is alive, cb fires immediately; otherwise cb is wired to fire
// once on the next pool-level Ready, and every alive worker is told to
// restart concurrently.
func (p *Pool) Restart(ctx context.Context, cb func()) error {
	workers := p.Workers()

	var alive []*worker.Worker
	for _, w := range workers {
		if w.State() != worker.StateAbsent {
			alive = append(alive, w)
		}
	}

	if len(alive) == 0 {
		if cb != nil {
			cb()
		}
		return nil
	}

	if cb != nil {
		ch, cancel := p.Subscribe()
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-ch:
					if ev.Type == EventReady {
						cb()
						return
					}
				}
			}
		}()
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(alive))
	for _, w := range alive {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			errs <- w.Restart(ctx)
		}(w)
	}
	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Proxy selects a worker via NextWorker and delegates a full proxied
// exchange to it, per spec.md section 4.3.
func (p *Pool) Proxy(ctx context.Context, r *http.Request, w http.ResponseWriter) error {
	wk, err := p.NextWorker()
	if err != nil {
		return err
	}

	sockPath, err := wk.CreateConnection(ctx)
	if err != nil {
		return err
	}
	defer wk.ReleaseConnection()

	c := client.Dial(sockPath, p.log)
	defer c.Close()

	return c.ProxyRequest(ctx, r, w)
}
