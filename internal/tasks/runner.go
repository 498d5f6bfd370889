// Package tasks runs the agent's externally triggered operations in the
// background. Each submission gets its own goroutine and a Handle the caller
// can poll or wait on.
//
// At most one task runs at a time: pairing, port switches, permission
// grants and self-tests all touch the same key material and the same daemon
// connection slot, so a second submission while one is running is rejected
// with task.busy rather than queued.
package tasks

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	agentErrors "github.com/adbauto/agent/internal/errors"
)

// Kind names an operation.
type Kind string

const (
	KindPair     Kind = "pair"
	KindSwitch   Kind = "switch"
	KindGrant    Kind = "grant"
	KindSelfTest Kind = "test"
	KindReset    Kind = "reset"
)

// State is a task's lifecycle position.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// DefaultMaxHistory is how many finished tasks are kept for polling.
const DefaultMaxHistory = 50

// Result is what a task function reports.
type Result struct {
	Success bool
	Port    int
	Message string
}

// Func is the body of a task. ctx is cancelled when the runner shuts down.
type Func func(ctx context.Context) Result

// Info is a point-in-time view of a task, safe to serialise.
type Info struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	State      State      `json:"state"`
	Success    bool       `json:"success"`
	Port       int        `json:"port"`
	Message    string     `json:"message"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the task has left the running state.
func (i Info) Finished() bool {
	return i.State != StateRunning
}

// Handle tracks one submitted task.
type Handle struct {
	ID   string
	Kind Kind

	done chan struct{}

	mu   sync.RWMutex
	info Info
}

// Done is closed once the task has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Info returns the task's current state.
func (h *Handle) Info() Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.info
}

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Info, error) {
	select {
	case <-h.done:
		return h.Info(), nil
	case <-ctx.Done():
		return h.Info(), ctx.Err()
	}
}

func (h *Handle) finish(res Result, now time.Time) Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.info.Success = res.Success
	h.info.Port = res.Port
	h.info.Message = res.Message
	h.info.FinishedAt = &now
	if res.Success {
		h.info.State = StateSucceeded
	} else {
		h.info.State = StateFailed
	}
	return h.info
}

// Event types published to subscribers.
const (
	EventStarted  = "task.started"
	EventFinished = "task.finished"
)

// Event is a lifecycle notification.
type Event struct {
	Type string `json:"type"`
	Task Info   `json:"task"`
}

// Config holds Runner settings.
type Config struct {
	// MaxHistory bounds retained finished tasks. Default: DefaultMaxHistory.
	MaxHistory int

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Runner executes tasks one at a time.
type Runner struct {
	config Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu protects tasks, order, running and subscribers.
	mu          sync.Mutex
	tasks       map[string]*Handle
	order       []string
	running     *Handle
	subscribers map[chan Event]struct{}
	closed      bool
}

// NewRunner creates a Runner with defaults applied.
func NewRunner(cfg Config) *Runner {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		config:      cfg,
		ctx:         ctx,
		cancel:      cancel,
		tasks:       make(map[string]*Handle),
		subscribers: make(map[chan Event]struct{}),
	}
}

// Submit starts fn in the background and returns its handle immediately.
// If another task is still running it returns a task.busy error.
func (r *Runner) Submit(kind Kind, fn Func) (*Handle, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, agentErrors.New(agentErrors.CodeInternal, "task runner stopped")
	}
	if r.running != nil {
		running := r.running.Kind
		r.mu.Unlock()
		return nil, agentErrors.TaskBusy(string(running))
	}

	h := &Handle{
		ID:   uuid.New().String(),
		Kind: kind,
		done: make(chan struct{}),
	}
	h.info = Info{ID: h.ID, Kind: kind, State: StateRunning, Port: -1, StartedAt: r.config.Now()}
	r.tasks[h.ID] = h
	r.order = append(r.order, h.ID)
	r.running = h
	r.prune()
	r.publish(Event{Type: EventStarted, Task: h.info})
	r.wg.Add(1)
	r.mu.Unlock()

	log.Printf("tasks: started %s %s", kind, h.ID)
	go r.run(h, fn)
	return h, nil
}

func (r *Runner) run(h *Handle, fn Func) {
	defer r.wg.Done()

	var res Result
	func() {
		defer func() {
			if p := recover(); p != nil {
				log.Printf("tasks: %s %s panicked: %v", h.Kind, h.ID, p)
				res = Result{Port: -1, Message: "internal error"}
			}
		}()
		res = fn(r.ctx)
	}()

	info := h.finish(res, r.config.Now())
	log.Printf("tasks: finished %s %s (%s): %s", h.Kind, h.ID, info.State, info.Message)

	r.mu.Lock()
	if r.running == h {
		r.running = nil
	}
	r.publish(Event{Type: EventFinished, Task: info})
	r.mu.Unlock()

	close(h.done)
}

// prune drops the oldest finished tasks beyond MaxHistory. Caller holds mu.
func (r *Runner) prune() {
	excess := len(r.order) - r.config.MaxHistory
	if excess <= 0 {
		return
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if excess > 0 && r.tasks[id] != r.running {
			delete(r.tasks, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// publish delivers ev without blocking; slow subscribers miss events.
// Caller holds mu.
func (r *Runner) publish(ev Event) {
	for ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Get returns a task's state, or task.not_found.
func (r *Runner) Get(id string) (Info, error) {
	r.mu.Lock()
	h, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return Info{}, agentErrors.TaskNotFound(id)
	}
	return h.Info(), nil
}

// Handle returns the handle for id, or nil.
func (r *Runner) Handle(id string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id]
}

// List returns retained tasks, newest first.
func (r *Runner) List() []Info {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.tasks))
	for _, h := range r.tasks {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	infos := make([]Info, len(handles))
	for i, h := range handles {
		infos[i] = h.Info()
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	return infos
}

// Running returns the running task, if any.
func (r *Runner) Running() (Info, bool) {
	r.mu.Lock()
	h := r.running
	r.mu.Unlock()
	if h == nil {
		return Info{}, false
	}
	return h.Info(), true
}

// Subscribe returns a channel of lifecycle events and a function that
// unsubscribes and closes it.
func (r *Runner) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	r.subscribers[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			if _, ok := r.subscribers[ch]; ok {
				delete(r.subscribers, ch)
				close(ch)
			}
			r.mu.Unlock()
		})
	}
}

// Shutdown cancels the running task's context and waits for it to return,
// or for ctx to end. Later submissions fail.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	waited := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.mu.Lock()
	for ch := range r.subscribers {
		delete(r.subscribers, ch)
		close(ch)
	}
	r.mu.Unlock()
	return err
}
