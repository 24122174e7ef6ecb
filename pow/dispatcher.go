package pow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

const (
	DefaultTimeout   = 120 * time.Second
	DefaultQueueSize = 256
)

// Observer receives the outcome of every mining task, for metrics purposes.
type Observer interface {
	ObserveMining(difficulty int, took time.Duration, err error)
}

// Dispatcher serializes mining tasks to a single [Worker]: tasks are processed
// in FIFO order, and at most one task is in flight at any time.
type Dispatcher struct {
	timeout  time.Duration
	queue    chan *task
	log      *slog.Logger
	observer Observer

	worker     Worker
	workerOnce sync.Once
	ownsWorker bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type task struct {
	Request
	result chan outcome
}

type outcome struct {
	event nostr.Event
	err   error
}

func (t *task) resolve(event nostr.Event, err error) {
	t.result <- outcome{event: event, err: err}
}

type Option func(*Dispatcher)

// WithTimeout sets the maximum duration a task can take once posted to the worker.
// Default is 120s.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithWorker sets the worker used by the dispatcher.
// If not set, a [MinerWorker] is created when the first task is processed.
func WithWorker(w Worker) Option {
	return func(d *Dispatcher) { d.worker = w }
}

// WithQueueSize sets how many tasks can wait in the queue before [Dispatcher.Calculate] blocks.
func WithQueueSize(size int) Option {
	return func(d *Dispatcher) { d.queue = make(chan *task, max(size, 0)) }
}

// WithLogger sets the structured logger used by the dispatcher.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithObserver sets the observer notified of the outcome of every task.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// NewDispatcher returns a dispatcher and starts its dispatch loop.
func NewDispatcher(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		timeout: DefaultTimeout,
		queue:   make(chan *task, DefaultQueueSize),
		log:     slog.Default(),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	if err := d.validate(); err != nil {
		return nil, err
	}

	d.wg.Add(1)
	go d.run()
	return d, nil
}

func (d *Dispatcher) validate() error {
	if d.timeout <= 0 {
		return errors.New("mining timeout must be positive")
	}
	if cap(d.queue) < 1 {
		return errors.New("mining queue size must be at least 1")
	}
	if d.log == nil {
		return errors.New("logger must not be nil")
	}
	return nil
}

var (
	defaultOnce       sync.Once
	defaultDispatcher *Dispatcher
)

// Default returns the process-wide dispatcher, created on first use.
// It's never closed, and its worker is created on the first task.
func Default() *Dispatcher {
	defaultOnce.Do(func() {
		d, err := NewDispatcher()
		if err != nil {
			panic(fmt.Errorf("invalid default dispatcher: %w", err))
		}
		defaultDispatcher = d
	})
	return defaultDispatcher
}

// Calculate mines the event until its ID has at least difficulty leading zero bits.
// It returns the event with the winning nonce tag and the corresponding ID.
//
// The context only bounds how long the caller waits: once queued, a task
// is processed until it succeeds, fails or times out.
func (d *Dispatcher) Calculate(ctx context.Context, event nostr.Event, difficulty int) (nostr.Event, error) {
	if difficulty < 0 || difficulty > MaxDifficulty {
		return nostr.Event{}, ErrInvalidDifficulty
	}
	if event.PubKey == "" {
		return nostr.Event{}, ErrMissingPubkey
	}

	t := &task{
		Request: Request{
			TaskID:     uuid.NewString(),
			Event:      event,
			Difficulty: difficulty,
		},
		result: make(chan outcome, 1),
	}

	select {
	case <-d.done:
		return nostr.Event{}, ErrClosed
	default:
	}

	select {
	case d.queue <- t:
	case <-d.done:
		return nostr.Event{}, ErrClosed
	case <-ctx.Done():
		return nostr.Event{}, ctx.Err()
	}

	select {
	case out := <-t.result:
		return out.event, out.err
	case <-ctx.Done():
		return nostr.Event{}, ctx.Err()
	case <-d.done:
		select {
		case out := <-t.result:
			return out.event, out.err
		default:
			return nostr.Event{}, ErrClosed
		}
	}
}

// Close stops the dispatch loop, failing the queued tasks with [ErrClosed].
// If the worker was created by the dispatcher, it's closed as well.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		d.wg.Wait()

		if closer, ok := d.worker.(io.Closer); ok && d.ownsWorker {
			err = closer.Close()
		}
	})
	return err
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		// closing has priority over queued tasks
		select {
		case <-d.done:
			d.drain()
			return
		default:
		}

		select {
		case <-d.done:
			d.drain()
			return

		case t := <-d.queue:
			d.process(t)
		}
	}
}

// drain fails every queued task.
func (d *Dispatcher) drain() {
	for {
		select {
		case t := <-d.queue:
			t.resolve(nostr.Event{}, ErrClosed)
		default:
			return
		}
	}
}

func (d *Dispatcher) getWorker() Worker {
	d.workerOnce.Do(func() {
		if d.worker == nil {
			d.worker = NewMinerWorker(d.log)
			d.ownsWorker = true
		}
	})
	return d.worker
}

// process posts the task to the worker and waits for its response, or the timeout.
// Responses of other tasks (which already timed out) are discarded.
func (d *Dispatcher) process(t *task) {
	start := time.Now()
	event, err := d.await(t)
	if err != nil && !errors.Is(err, ErrClosed) {
		d.log.Error("mining task failed", "task", t.TaskID, "difficulty", t.Difficulty, "error", err)
	}

	if d.observer != nil {
		d.observer.ObserveMining(t.Difficulty, time.Since(start), err)
	}
	t.resolve(event, err)
}

func (d *Dispatcher) await(t *task) (nostr.Event, error) {
	worker := d.getWorker()
	if err := worker.Post(t.Request); err != nil {
		return nostr.Event{}, fmt.Errorf("failed to post task to the worker: %w", err)
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	for {
		select {
		case resp, ok := <-worker.Responses():
			if !ok {
				return nostr.Event{}, ErrWorkerStopped
			}
			if resp.TaskID != t.TaskID {
				d.log.Warn("discarding response of a stale mining task", "task", resp.TaskID, "waiting", t.TaskID)
				continue
			}
			return verify(t.Request, resp)

		case <-timer.C:
			if c, ok := worker.(Canceler); ok {
				c.Cancel(t.TaskID)
			}
			return nostr.Event{}, fmt.Errorf("%w after %s", ErrTimeout, d.timeout)

		case <-d.done:
			if c, ok := worker.(Canceler); ok {
				c.Cancel(t.TaskID)
			}
			return nostr.Event{}, ErrClosed
		}
	}
}
