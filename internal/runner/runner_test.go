package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/netly/cnagent/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcTask func(ctx context.Context, c task.Controller)

func (f funcTask) Start(ctx context.Context, c task.Controller) { f(ctx, c) }

type cancelableTask struct {
	funcTask
	cancelled atomic.Int32
}

func (t *cancelableTask) Cancel(context.Context) error {
	t.cancelled.Add(1)
	return nil
}

func newRunner(t task.Task, timeout time.Duration) *Runner {
	rec := task.NewRecord("t1", "test", task.GlobalKey, time.Now())
	return New(t, rec, Options{Timeout: timeout})
}

func terminalCount(inst task.Instance) int {
	n := 0
	for _, m := range inst.Events {
		if m.Terminal() {
			n++
		}
	}
	return n
}

func TestRunnerFinish(t *testing.T) {
	r := newRunner(funcTask(func(ctx context.Context, c task.Controller) {
		c.Progress(40)
		c.Event("screenshot", "aGVsbG8=")
		c.Finish(map[string]any{"ok": true})
	}), 0)

	r.Run(context.Background())

	inst := r.Instance()
	assert.Equal(t, task.StateSucceeded, inst.State)
	assert.Equal(t, 100, inst.Progress)
	assert.Equal(t, map[string]any{"ok": true}, inst.Result)
	assert.False(t, inst.StartedAt.IsZero())
	assert.False(t, inst.FinishedAt.Before(inst.StartedAt))
	assert.Equal(t, 1, terminalCount(inst))
}

func TestRunnerSecondTerminalCallIsNoop(t *testing.T) {
	r := newRunner(funcTask(func(ctx context.Context, c task.Controller) {
		c.Fatal(errors.New("first"))
		c.Finish("second")
		c.Fatal(errors.New("third"))
	}), 0)

	r.Run(context.Background())

	inst := r.Instance()
	assert.Equal(t, task.StateFailed, inst.State)
	assert.Equal(t, "first", inst.Error)
	assert.Nil(t, inst.Result)
	assert.Equal(t, 1, terminalCount(inst))
}

func TestRunnerAsyncHandler(t *testing.T) {
	r := newRunner(funcTask(func(ctx context.Context, c task.Controller) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			c.Progress(50)
			c.Finish("done")
		}()
	}), time.Second)

	r.Run(context.Background())
	assert.Equal(t, task.StateSucceeded, r.Instance().State)
}

func TestRunnerWatchdog(t *testing.T) {
	late := make(chan struct{})
	ct := &cancelableTask{}
	ct.funcTask = func(ctx context.Context, c task.Controller) {
		go func() {
			<-ctx.Done()
			c.Finish("too late")
			close(late)
		}()
	}
	r := New(ct, task.NewRecord("t1", "test", task.GlobalKey, time.Now()), Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	r.Run(context.Background())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	<-late
	inst := r.Instance()
	assert.Equal(t, task.StateFailed, inst.State)
	assert.Equal(t, (&task.TimeoutError{Timeout: 50 * time.Millisecond}).Error(), inst.Error)
	assert.Nil(t, inst.Result)
	assert.Equal(t, 1, terminalCount(inst))

	assert.Eventually(t, func() bool { return ct.cancelled.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRunnerCancelsContextOnFinish(t *testing.T) {
	ctxDone := make(chan struct{})
	r := newRunner(funcTask(func(ctx context.Context, c task.Controller) {
		go func() {
			<-ctx.Done()
			close(ctxDone)
		}()
		c.Finish(nil)
	}), 0)

	r.Run(context.Background())
	select {
	case <-ctxDone:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled after finish")
	}
}

func TestRunnerRecoversPanic(t *testing.T) {
	r := newRunner(funcTask(func(ctx context.Context, c task.Controller) {
		panic("kaboom")
	}), 0)

	r.Run(context.Background())
	inst := r.Instance()
	assert.Equal(t, task.StateFailed, inst.State)
	assert.Contains(t, inst.Error, "kaboom")
}

func TestRunnerAbortedContext(t *testing.T) {
	started := false
	r := newRunner(funcTask(func(ctx context.Context, c task.Controller) {
		started = true
		c.Finish(nil)
	}), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	assert.False(t, started)
	inst := r.Instance()
	assert.Equal(t, task.StateFailed, inst.State)
	assert.True(t, inst.StartedAt.IsZero())
	select {
	case <-r.Done():
	default:
		t.Fatal("done channel must be closed")
	}
}

func TestRunnerShutdownFailsRunningTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newRunner(funcTask(func(tctx context.Context, c task.Controller) {}), 0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	r.Run(ctx)

	inst := r.Instance()
	require.Equal(t, task.StateFailed, inst.State)
	assert.Contains(t, inst.Error, "aborted")
}

func TestRunnerProgressNeverDecreases(t *testing.T) {
	r := newRunner(funcTask(func(ctx context.Context, c task.Controller) {
		for _, p := range []int{10, 30, 20, 120, -5, 50} {
			c.Progress(p)
		}
		c.Finish(nil)
	}), 0)

	r.Run(context.Background())

	last := 0
	for _, m := range r.Instance().Events {
		if m.Event != task.EventProgress {
			continue
		}
		assert.GreaterOrEqual(t, m.Value, last)
		assert.LessOrEqual(t, m.Value, 100)
		last = m.Value
	}
	assert.Equal(t, 100, last)
}
