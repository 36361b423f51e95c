// Package runner drives a single task instance from Created to a terminal
// state and owns the watchdog.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/netly/cnagent/internal/task"
	"go.uber.org/zap"
)

const cancelGracePeriod = 10 * time.Second

type Options struct {
	// Timeout is measured from the moment the task starts. Zero disables
	// the watchdog.
	Timeout time.Duration
	Logger  *zap.Logger
}

type Runner struct {
	task    task.Task
	rec     *task.Record
	timeout time.Duration
	logger  *zap.Logger

	// terminal slot: written exactly once, by the handler or the watchdog
	once   sync.Once
	done   chan struct{}
	cancel context.CancelFunc
}

func New(t task.Task, rec *task.Record, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		task:    t,
		rec:     rec,
		timeout: opts.Timeout,
		logger:  logger.With(zap.String("task_id", rec.ID())),
		done:    make(chan struct{}),
	}
}

func (r *Runner) ID() string { return r.rec.ID() }

func (r *Runner) Record() *task.Record { return r.rec }

// Done is closed once the task is terminal.
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) Instance() task.Instance { return r.rec.Snapshot() }

// Run starts the task and blocks until it is terminal. If ctx is already
// done the task is failed without being started.
func (r *Runner) Run(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		r.complete(func(now time.Time) bool {
			return r.rec.Fail(fmt.Sprintf("task aborted before start: %v", err), now)
		})
		return
	}

	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	if !r.rec.Start(time.Now()) {
		r.logger.Warn("task_start_skipped", zap.String("state", string(r.rec.State())))
		r.complete(func(time.Time) bool { return false })
		return
	}
	header := r.rec.Header()
	r.logger.Info("task_started",
		zap.String("type", header.Type),
		zap.String("resource_key", header.ResourceKey),
		zap.Duration("timeout", r.timeout),
	)

	if r.timeout > 0 {
		watchdog := time.AfterFunc(r.timeout, r.expire)
		defer watchdog.Stop()
	}

	go r.start(tctx)

	select {
	case <-r.done:
	case <-ctx.Done():
		r.complete(func(now time.Time) bool {
			return r.rec.Fail(fmt.Sprintf("task aborted: %v", ctx.Err()), now)
		})
	}

	inst := r.rec.Snapshot()
	r.logger.Info("task_finished",
		zap.String("type", inst.Type),
		zap.String("state", string(inst.State)),
		zap.Duration("duration", inst.Duration()),
		zap.String("error", inst.Error),
	)
}

func (r *Runner) start(ctx context.Context) {
	c := &controller{r: r}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task_handler_panic", zap.Any("panic", p))
			c.Fatal(fmt.Errorf("handler panic: %v", p))
		}
	}()
	r.task.Start(ctx, c)
}

// expire is the watchdog. Its outcome is authoritative: once it has failed
// the task, late reports from the handler are ignored.
func (r *Runner) expire() {
	won := r.complete(func(now time.Time) bool {
		return r.rec.Fail((&task.TimeoutError{Timeout: r.timeout}).Error(), now)
	})
	if !won {
		return
	}
	r.logger.Warn("task_watchdog_fired", zap.Duration("timeout", r.timeout))

	canceler, ok := r.task.(task.Canceler)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cancelGracePeriod)
		defer cancel()
		if err := canceler.Cancel(ctx); err != nil {
			r.logger.Warn("task_cancel_failed", zap.Error(err))
		}
	}()
}

// complete runs write at most once across the runner's lifetime, then
// releases everything waiting on the task. It reports whether this call
// was the one that ran.
func (r *Runner) complete(write func(now time.Time) bool) bool {
	won := false
	r.once.Do(func() {
		won = true
		if !write(time.Now()) {
			r.logger.Warn("task_terminal_write_rejected", zap.String("state", string(r.rec.State())))
		}
		close(r.done)
		if r.cancel != nil {
			r.cancel()
		}
	})
	return won
}

type controller struct {
	r *Runner
}

func (c *controller) Progress(percent int) {
	got, clamped, ok := c.r.rec.Progress(percent, time.Now())
	if !ok {
		c.r.logger.Debug("task_progress_after_terminal", zap.Int("progress", percent))
		return
	}
	if clamped {
		c.r.logger.Warn("task_progress_clamped", zap.Int("reported", percent), zap.Int("recorded", got))
	}
}

func (c *controller) Event(name string, payload any) {
	if !c.r.rec.Event(name, payload, time.Now()) {
		c.r.logger.Debug("task_event_after_terminal", zap.String("name", name))
	}
}

func (c *controller) Finish(result any) {
	ok := c.r.complete(func(now time.Time) bool {
		return c.r.rec.Finish(result, now)
	})
	if !ok {
		c.r.logger.Warn("task_protocol_violation", zap.String("call", "finish"), zap.String("state", string(c.r.rec.State())))
	}
}

func (c *controller) Fatal(err error) {
	if err == nil {
		err = fmt.Errorf("task failed without an error")
	}
	ok := c.r.complete(func(now time.Time) bool {
		return c.r.rec.Fail(err.Error(), now)
	})
	if !ok {
		c.r.logger.Warn("task_protocol_violation", zap.String("call", "fatal"), zap.String("state", string(c.r.rec.State())), zap.Error(err))
	}
}
