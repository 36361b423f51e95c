package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/netly/cnagent/internal/queue"
	"github.com/netly/cnagent/internal/reporter"
	"github.com/netly/cnagent/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcTask func(ctx context.Context, c task.Controller)

func (f funcTask) Start(ctx context.Context, c task.Controller) { f(ctx, c) }

func sleepFor(d time.Duration) task.Factory {
	return func(task.Request) (task.Task, error) {
		return funcTask(func(ctx context.Context, c task.Controller) {
			go func() {
				select {
				case <-time.After(d):
					c.Finish(nil)
				case <-ctx.Done():
				}
			}()
		}), nil
	}
}

func byUUID(req task.Request) string {
	s, _ := req.String("uuid")
	return s
}

func newDispatcher(t *testing.T, defaultTimeout time.Duration) (*Dispatcher, *reporter.Reporter) {
	t.Helper()
	reg := task.NewRegistry()
	require.NoError(t, reg.Register("machine_boot", task.Registration{
		New: func(req task.Request) (task.Task, error) {
			if _, err := req.String("uuid"); err != nil {
				return nil, err
			}
			return sleepFor(60 * time.Millisecond)(req)
		},
		Key: byUUID,
	}))
	require.NoError(t, reg.Register("machine_reboot", task.Registration{New: sleepFor(10 * time.Millisecond), Key: byUUID}))
	require.NoError(t, reg.Register("hang", task.Registration{New: sleepFor(time.Hour), Timeout: 80 * time.Millisecond}))
	require.NoError(t, reg.Register("hang_default", task.Registration{New: sleepFor(time.Hour)}))
	require.NoError(t, reg.Register("broken", task.Registration{
		New: func(task.Request) (task.Task, error) { return nil, errors.New("no collaborator") },
	}))
	reg.Seal()

	rep := reporter.New(reporter.Options{})
	q := queue.New(queue.Options{MaxConcurrency: 4})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})

	return New(Options{Registry: reg, Queue: q, Reporter: rep, DefaultTimeout: defaultTimeout}), rep
}

func TestSubmitUnknownType(t *testing.T) {
	d, rep := newDispatcher(t, time.Second)

	inst, err := d.Submit(context.Background(), task.Request{ID: "r1", Type: "machine_teleport"})
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, inst.State)
	assert.Contains(t, inst.Error, "machine_teleport")
	assert.True(t, inst.StartedAt.IsZero())

	got, err := rep.Wait(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, got.Events, 1)
	assert.Equal(t, task.EventFatal, got.Events[0].Event)
}

func TestSubmitValidationFailure(t *testing.T) {
	d, _ := newDispatcher(t, time.Second)

	inst, err := d.Submit(context.Background(), task.Request{ID: "r1", Type: "machine_boot"})
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, inst.State)
	assert.Equal(t, "invalid parameter uuid: is required", inst.Error)

	inst, err = d.Submit(context.Background(), task.Request{ID: "r2", Type: "broken"})
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, inst.State)
	assert.Contains(t, inst.Error, "no collaborator")
}

func TestSubmitDuplicateID(t *testing.T) {
	d, _ := newDispatcher(t, time.Second)
	req := task.Request{ID: "r1", Type: "machine_reboot", Params: map[string]any{"uuid": "vm-1"}}

	_, err := d.Submit(context.Background(), req)
	require.NoError(t, err)
	_, err = d.Submit(context.Background(), req)
	assert.ErrorIs(t, err, task.ErrDuplicateRequest)
}

func TestSubmitGeneratesID(t *testing.T) {
	d, rep := newDispatcher(t, time.Second)

	inst, err := d.Submit(context.Background(), task.Request{Type: "machine_reboot", Params: map[string]any{"uuid": "vm-1"}})
	require.NoError(t, err)
	require.NotEmpty(t, inst.ID)
	assert.Equal(t, "vm-1", inst.ResourceKey)

	done, err := rep.Wait(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateSucceeded, done.State)
}

func TestTimeoutPrecedence(t *testing.T) {
	d, rep := newDispatcher(t, 120*time.Millisecond)
	ctx := context.Background()

	cases := []struct {
		req  task.Request
		want time.Duration
	}{
		{req: task.Request{ID: "request", Type: "hang", Timeout: 40 * time.Millisecond}, want: 40 * time.Millisecond},
		{req: task.Request{ID: "per-type", Type: "hang"}, want: 80 * time.Millisecond},
		{req: task.Request{ID: "default", Type: "hang_default"}, want: 120 * time.Millisecond},
	}
	for _, tc := range cases {
		_, err := d.Submit(ctx, tc.req)
		require.NoError(t, err)
	}
	for _, tc := range cases {
		inst, err := rep.Wait(ctx, tc.req.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StateFailed, inst.State, tc.req.ID)
		assert.Equal(t, (&task.TimeoutError{Timeout: tc.want}).Error(), inst.Error, tc.req.ID)
	}
}

func TestSameGuestRunsInSubmissionOrder(t *testing.T) {
	d, rep := newDispatcher(t, time.Second)
	ctx := context.Background()
	params := map[string]any{"uuid": "vm-1"}

	_, err := d.Submit(ctx, task.Request{ID: "boot", Type: "machine_boot", Params: params})
	require.NoError(t, err)
	_, err = d.Submit(ctx, task.Request{ID: "reboot", Type: "machine_reboot", Params: params})
	require.NoError(t, err)
	_, err = d.Submit(ctx, task.Request{ID: "other", Type: "machine_reboot", Params: map[string]any{"uuid": "vm-2"}})
	require.NoError(t, err)

	boot, err := rep.Wait(ctx, "boot")
	require.NoError(t, err)
	reboot, err := rep.Wait(ctx, "reboot")
	require.NoError(t, err)
	other, err := rep.Wait(ctx, "other")
	require.NoError(t, err)

	require.Equal(t, task.StateSucceeded, boot.State)
	require.Equal(t, task.StateSucceeded, reboot.State)
	assert.False(t, reboot.StartedAt.Before(boot.FinishedAt))
	assert.True(t, other.FinishedAt.Before(boot.FinishedAt), "a different guest is not held back")
}

func TestTypes(t *testing.T) {
	d, _ := newDispatcher(t, time.Second)
	assert.Equal(t, []string{"broken", "hang", "hang_default", "machine_boot", "machine_reboot"}, d.Types())
}
