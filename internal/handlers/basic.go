package handlers

import (
	"context"
	"time"

	"github.com/netly/cnagent/internal/task"
)

const sleepTick = 100 * time.Millisecond

func basicHandlers(deps Deps) []entry {
	entries := []entry{
		{name: "nop", reg: task.Registration{New: newNop}},
		{name: "sleep", reg: task.Registration{New: newSleep}},
	}
	if deps.Stats != nil {
		entries = append(entries, entry{name: "server_sysinfo", reg: task.Registration{
			New: func(task.Request) (task.Task, error) {
				return job(func(ctx context.Context, _ task.Controller) (any, error) {
					s, err := deps.Stats.Collect(ctx)
					return s, execErr("server_sysinfo", "", err)
				}), nil
			},
			Timeout: 30 * time.Second,
		}})
	}
	return entries
}

func newNop(task.Request) (task.Task, error) {
	return job(func(context.Context, task.Controller) (any, error) { return nil, nil }), nil
}

// sleepTask reports progress every tick and finishes once the requested
// duration has elapsed.
type sleepTask struct {
	duration time.Duration
}

func newSleep(req task.Request) (task.Task, error) {
	ms, err := req.Int("timeoutMs")
	if err != nil {
		return nil, err
	}
	if ms < 0 {
		return nil, &task.ValidationError{Field: "timeoutMs", Reason: "must not be negative"}
	}
	return &sleepTask{duration: time.Duration(ms) * time.Millisecond}, nil
}

func (s *sleepTask) Start(ctx context.Context, c task.Controller) {
	start := time.Now()
	deadline := start.Add(s.duration)
	ticker := time.NewTicker(sleepTick)
	defer ticker.Stop()

	for {
		now := time.Now()
		if !now.Before(deadline) {
			c.Finish(map[string]any{"slept_ms": now.Sub(start).Milliseconds()})
			return
		}
		c.Progress(int(now.Sub(start) * 100 / s.duration))

		wait := time.NewTimer(time.Until(deadline))
		select {
		case <-ticker.C:
		case <-wait.C:
		case <-ctx.Done():
			wait.Stop()
			return
		}
		wait.Stop()
	}
}
