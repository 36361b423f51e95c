// Package queue serializes tasks that share a resource key and bounds how many
// tasks run at once across all keys.
package queue

import (
	"context"
	"sync"

	"github.com/netly/cnagent/internal/task"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Runnable is one queued unit. Run blocks until the task is terminal and
// must fail fast when ctx is already done.
type Runnable interface {
	ID() string
	Run(ctx context.Context)
}

type Options struct {
	// MaxConcurrency caps how many tasks run at once. Zero means unbounded.
	MaxConcurrency int
	Logger         *zap.Logger
}

type Stats struct {
	Lanes   int `json:"lanes"`
	Pending int `json:"pending"`
	Running int `json:"running"`
}

type lane struct {
	pending []Runnable
	busy    bool
}

type Queue struct {
	mu      sync.Mutex
	lanes   map[string]*lane
	closed  bool
	pending int
	running int

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

func New(opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	if opts.MaxConcurrency > 0 {
		q.sem = semaphore.NewWeighted(int64(opts.MaxConcurrency))
	}
	return q
}

// Enqueue appends r to the lane for key. The head of an idle lane starts
// immediately; tasks under task.GlobalKey never wait on each other.
func (q *Queue) Enqueue(key string, r Runnable) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return task.ErrQueueClosed
	}
	if key == "" || key == task.GlobalKey {
		q.launch(task.GlobalKey, r)
		return nil
	}

	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
	}
	if l.busy {
		l.pending = append(l.pending, r)
		q.pending++
		q.logger.Debug("queue_task_waiting",
			zap.String("task_id", r.ID()),
			zap.String("resource_key", key),
			zap.Int("position", len(l.pending)),
		)
		return nil
	}
	l.busy = true
	q.launch(key, r)
	return nil
}

// launch must be called with q.mu held. A task waiting for a concurrency
// slot counts as pending until it gets one.
func (q *Queue) launch(key string, r Runnable) {
	if q.sem != nil {
		q.pending++
	}
	q.wg.Add(1)
	go q.run(key, r)
}

func (q *Queue) run(key string, r Runnable) {
	defer q.wg.Done()

	if q.sem != nil {
		err := q.sem.Acquire(q.ctx, 1)
		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
		if err != nil {
			// queue is shutting down; the runner fails without starting
			r.Run(q.ctx)
			q.next(key)
			return
		}
	}

	q.mu.Lock()
	q.running++
	q.mu.Unlock()

	r.Run(q.ctx)

	q.mu.Lock()
	q.running--
	q.mu.Unlock()
	if q.sem != nil {
		q.sem.Release(1)
	}
	q.next(key)
}

// next hands the lane to its following entry or retires it.
func (q *Queue) next(key string) {
	if key == task.GlobalKey {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.lanes[key]
	if !ok {
		return
	}
	if len(l.pending) == 0 {
		delete(q.lanes, key)
		return
	}
	head := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	q.pending--
	q.launch(key, head)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Lanes: len(q.lanes), Pending: q.pending, Running: q.running}
}

// Close stops admission and waits for queued and running tasks. If ctx ends
// first, every remaining task is aborted and Close waits for them to settle.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.logger.Warn("queue_close_timeout", zap.Error(ctx.Err()))
		q.cancel()
		<-drained
		return ctx.Err()
	}
}
