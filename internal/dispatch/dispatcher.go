// Package dispatch delivers host notifications on one designated goroutine.
//
// Producers (transport goroutines, HTTP handlers) never block on delivery:
// Post appends to an unbounded queue and returns. A single loop started by
// Run drains the queue in FIFO order, so tasks posted from one goroutine run
// in the order they were posted and never run concurrently with each other.
package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tinoosan/mcufetch/internal/metrics"
)

// ErrStopped is returned by Post after Stop.
var ErrStopped = errors.New("dispatcher stopped")

// Executor runs tasks on the host's designated execution context.
type Executor interface {
	Post(task func()) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(task func()) error

func (f ExecutorFunc) Post(task func()) error { return f(task) }

// Dispatcher is an Executor backed by its own goroutine.
type Dispatcher struct {
	log *slog.Logger

	mu      sync.Mutex
	pending []func()
	running bool
	stopped bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

var _ Executor = (*Dispatcher)(nil)

// New creates a Dispatcher. Call Run before posting work that must be delivered.
func New(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:  log,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Run starts the delivery loop. Calling it more than once is a no-op.
func (d *Dispatcher) Run() {
	d.mu.Lock()
	if d.running || d.stopped {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	lg := d.log.With("operation_id", uuid.NewString())
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.stop:
				d.drain(lg)
				return
			case <-d.wake:
				d.drain(lg)
			}
		}
	}()
}

// Stop delivers whatever is already queued, then ends the loop. It must not
// be called from inside a posted task.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	running := d.running
	dropped := 0
	if !running {
		dropped = len(d.pending)
		d.pending = nil
	}
	d.mu.Unlock()

	close(d.stop)
	if running {
		d.wg.Wait()
		return
	}
	if dropped > 0 {
		d.log.Warn("dispatcher stopped before run; dropping notifications", "count", dropped)
		metrics.DispatchErrors.WithLabelValues("dropped").Add(float64(dropped))
	}
}

// Post queues task for delivery. It never blocks on the delivery loop.
func (d *Dispatcher) Post(task func()) error {
	if task == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		metrics.DispatchErrors.WithLabelValues("stopped").Inc()
		return ErrStopped
	}
	d.pending = append(d.pending, task)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued, undelivered tasks.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) drain(lg *slog.Logger) {
	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, task := range batch {
			d.invoke(lg, task)
		}
	}
}

func (d *Dispatcher) invoke(lg *slog.Logger, task func()) {
	defer func() {
		if r := recover(); r != nil {
			lg.Error("notification sink panicked", "panic", r)
			metrics.DispatchErrors.WithLabelValues("panic").Inc()
		}
	}()
	task()
}

// Dispatch schedules sink(payload) on ex. A nil sink is a no-op. Scheduling
// failures are logged and swallowed so they never reach the caller's event path.
func Dispatch[T any](ex Executor, log *slog.Logger, sink func(T), payload T) {
	if sink == nil {
		return
	}
	if err := ex.Post(func() { sink(payload) }); err != nil {
		if log == nil {
			log = slog.Default()
		}
		log.Warn("notification not scheduled", "err", err)
	}
}
