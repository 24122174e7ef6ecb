package pow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"
)

// Worker is a background task channel: requests go in with Post,
// and the matching responses come out of Responses, in any order.
type Worker interface {
	Post(req Request) error
	Responses() <-chan Response
}

// Canceler is implemented by workers that can stop a task early,
// e.g. after the dispatcher gave up waiting for it.
type Canceler interface {
	Cancel(taskID string)
}

// MineFunc searches a nonce tag that makes the event ID satisfy the difficulty.
type MineFunc func(ctx context.Context, event nostr.Event, difficulty int) (nostr.Tag, error)

// MinerWorker mines events on a single background goroutine.
type MinerWorker struct {
	pool      *workerpool.WorkerPool
	mine      MineFunc
	responses chan Response
	log       *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
}

// NewMinerWorker returns a worker that mines with [nip13.DoWork].
func NewMinerWorker(log *slog.Logger) *MinerWorker {
	return newMinerWorker(nip13.DoWork, log)
}

func newMinerWorker(mine MineFunc, log *slog.Logger) *MinerWorker {
	if log == nil {
		log = slog.Default()
	}
	return &MinerWorker{
		pool:      workerpool.New(1),
		mine:      mine,
		responses: make(chan Response),
		log:       log,
		cancels:   make(map[string]context.CancelFunc),
		done:      make(chan struct{}),
	}
}

func (w *MinerWorker) Responses() <-chan Response { return w.responses }

// Post queues the request on the worker. It never blocks.
func (w *MinerWorker) Post(req Request) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.cancels[req.TaskID] = cancel
	w.mu.Unlock()

	w.pool.Submit(func() { w.process(ctx, req) })
	return nil
}

// Cancel stops the search of the task, which responds with an error.
func (w *MinerWorker) Cancel(taskID string) {
	w.mu.Lock()
	cancel, ok := w.cancels[taskID]
	delete(w.cancels, taskID)
	w.mu.Unlock()

	if ok {
		cancel()
	}
}

// Close stops the worker, cancelling the running and queued tasks.
func (w *MinerWorker) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)

		w.mu.Lock()
		for id, cancel := range w.cancels {
			cancel()
			delete(w.cancels, id)
		}
		w.mu.Unlock()

		w.pool.Stop()
	})
	return nil
}

func (w *MinerWorker) process(ctx context.Context, req Request) {
	defer w.Cancel(req.TaskID)

	resp := Response{TaskID: req.TaskID}
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("mining worker crashed", "task", req.TaskID, "panic", r)
				resp.Error = fmt.Sprintf("worker crashed: %v", r)
			}
		}()

		if err := ctx.Err(); err != nil {
			resp.Error = err.Error()
			return
		}

		event := req.Event
		event.Tags = withoutNonce(event.Tags)

		nonce, err := w.mine(ctx, event, req.Difficulty)
		if err != nil {
			resp.Error = err.Error()
			return
		}

		event.Tags = append(event.Tags, nonce)
		event.ID = event.GetID()
		resp.Event = &event
	}()

	select {
	case w.responses <- resp:
	case <-w.done:
	}
}
