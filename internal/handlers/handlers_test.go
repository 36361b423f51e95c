package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/netly/cnagent/internal/dispatcher"
	"github.com/netly/cnagent/internal/executor"
	"github.com/netly/cnagent/internal/queue"
	"github.com/netly/cnagent/internal/remote"
	"github.com/netly/cnagent/internal/reporter"
	"github.com/netly/cnagent/internal/runner"
	"github.com/netly/cnagent/internal/stats"
	"github.com/netly/cnagent/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type fakeGuests struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (g *fakeGuests) record(call string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
	return g.fail[call]
}

func (g *fakeGuests) Load(_ context.Context, uuid string) (*executor.Guest, error) {
	if err := g.record("load " + uuid); err != nil {
		return nil, err
	}
	return &executor.Guest{UUID: uuid, State: "running"}, nil
}
func (g *fakeGuests) Start(_ context.Context, uuid string) error { return g.record("start " + uuid) }
func (g *fakeGuests) Stop(_ context.Context, uuid string, force bool) error {
	return g.record(fmt.Sprintf("stop %s %v", uuid, force))
}
func (g *fakeGuests) Reboot(_ context.Context, uuid string, force bool) error {
	return g.record(fmt.Sprintf("reboot %s %v", uuid, force))
}
func (g *fakeGuests) Kill(_ context.Context, uuid, signal string) error {
	return g.record("kill " + uuid + " " + signal)
}
func (g *fakeGuests) Sysrq(_ context.Context, uuid, req string) ([]byte, error) {
	if err := g.record("sysrq " + uuid + " " + req); err != nil {
		return nil, err
	}
	if req == "screenshot" {
		return []byte("P6 1 1 255 abc"), nil
	}
	return nil, nil
}
func (g *fakeGuests) DeleteSnapshot(_ context.Context, uuid, name string) error {
	return g.record("delete-snapshot " + uuid + " " + name)
}

type fakeSnapshots struct {
	existing map[string]bool
	clones   []string
}

func (z *fakeSnapshots) List(context.Context, string) ([]executor.Dataset, error) { return nil, nil }
func (z *fakeSnapshots) Exists(_ context.Context, name string) (bool, error) {
	return z.existing[name], nil
}
func (z *fakeSnapshots) Snapshot(context.Context, string, string, bool) error { return nil }
func (z *fakeSnapshots) Clone(_ context.Context, snapshot, target string, _ map[string]string) error {
	z.clones = append(z.clones, snapshot+" -> "+target)
	return nil
}
func (z *fakeSnapshots) Destroy(context.Context, string, bool) error  { return nil }
func (z *fakeSnapshots) Rollback(context.Context, string, bool) error { return nil }
func (z *fakeSnapshots) GetProperties(context.Context, string, []string) (map[string]string, error) {
	return map[string]string{}, nil
}

type fakePackages struct {
	fail map[string]error
}

func (p *fakePackages) apply(names []string) ([]string, error) {
	var done []string
	var errs error
	for _, n := range names {
		if err, bad := p.fail[n]; bad {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", n, err))
			continue
		}
		done = append(done, n)
	}
	return done, errs
}

func (p *fakePackages) Install(_ context.Context, names []string) ([]string, error) {
	return p.apply(names)
}

func (p *fakePackages) Uninstall(_ context.Context, names []string) ([]string, error) {
	return p.apply(names)
}

type fakeInventory struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (i *fakeInventory) RefreshInventory(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	return i.err
}

type fakeSpawner struct {
	mu       sync.Mutex
	ran      []string
	disowned []string
}

func (s *fakeSpawner) Run(_ context.Context, name string, args ...string) (*executor.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, strings.Join(append([]string{name}, args...), " "))
	return &executor.Result{}, nil
}

func (s *fakeSpawner) Disown(name string, args ...string) error {
	s.disowned = append(s.disowned, strings.Join(append([]string{name}, args...), " "))
	return nil
}

type fakeImages struct{ size int64 }

func (f fakeImages) Fetch(_ context.Context, uuid string, progress func(int64, int64)) (*remote.Image, error) {
	for w := int64(0); w <= f.size; w += f.size / 4 {
		progress(w, f.size)
	}
	return &remote.Image{UUID: uuid, Size: f.size}, nil
}

type fakeStats struct{}

func (fakeStats) Collect(context.Context) (*stats.SystemStats, error) {
	return &stats.SystemStats{Hostname: "cn-1"}, nil
}

func registry(t *testing.T, deps Deps) *task.Registry {
	t.Helper()
	reg := task.NewRegistry()
	require.NoError(t, RegisterAll(reg, deps))
	reg.Seal()
	return reg
}

// runTask builds and runs one request to completion.
func runTask(t *testing.T, reg *task.Registry, req task.Request) task.Instance {
	t.Helper()
	r, err := reg.Lookup(req.Type)
	require.NoError(t, err)
	tk, err := r.New(req)
	require.NoError(t, err)

	rec := task.NewRecord(req.Type+"-1", req.Type, r.ResourceKey(req), time.Now())
	runner.New(tk, rec, runner.Options{Timeout: 5 * time.Second}).Run(context.Background())
	return rec.Snapshot()
}

const vm = "3f8f1d4e-1c2b-4a5d-9e6f-7a8b9c0d1e2f"

func TestRegisterAllSkipsMissingCollaborators(t *testing.T) {
	reg := registry(t, Deps{})
	assert.Equal(t, []string{"nop", "sleep"}, reg.Types())

	reg = registry(t, Deps{
		Guests:    &fakeGuests{},
		Snapshots: &fakeSnapshots{},
		Packages:  &fakePackages{},
		Inventory: &fakeInventory{},
		Spawner:   &fakeSpawner{},
		Images:    fakeImages{size: 100},
		Stats:     fakeStats{},
	})
	assert.Len(t, reg.Types(), 20)
}

func TestSleepFinishesAfterDuration(t *testing.T) {
	reg := registry(t, Deps{})
	start := time.Now()
	inst := runTask(t, reg, task.Request{Type: "sleep", Params: map[string]any{"timeoutMs": 200}})

	require.Equal(t, task.StateSucceeded, inst.State)
	last := inst.Events[len(inst.Events)-1]
	assert.Equal(t, task.EventFinish, last.Event)
	assert.GreaterOrEqual(t, last.Time.Sub(start), 200*time.Millisecond)
	assert.GreaterOrEqual(t, inst.FinishedAt.Sub(inst.StartedAt), 200*time.Millisecond)

	prev := 0
	progressCount := 0
	for _, m := range inst.Events {
		if m.Event == task.EventProgress {
			assert.GreaterOrEqual(t, m.Value, prev)
			prev = m.Value
			progressCount++
		}
	}
	assert.GreaterOrEqual(t, progressCount, 2)
}

func TestSleepValidation(t *testing.T) {
	reg := registry(t, Deps{})
	r, err := reg.Lookup("sleep")
	require.NoError(t, err)

	_, err = r.New(task.Request{Type: "sleep", Params: map[string]any{}})
	assert.True(t, task.IsValidation(err))
	_, err = r.New(task.Request{Type: "sleep", Params: map[string]any{"timeoutMs": -1}})
	assert.True(t, task.IsValidation(err))
}

func TestCloneMissingSnapshot(t *testing.T) {
	z := &fakeSnapshots{existing: map[string]bool{}}
	reg := registry(t, Deps{Snapshots: z})

	inst := runTask(t, reg, task.Request{Type: "zfs_clone_dataset", Params: map[string]any{
		"dataset":       "zones/base",
		"snapshot_name": "snap1",
		"target":        "zones/copy",
	}})

	require.Equal(t, task.StateFailed, inst.State)
	assert.Contains(t, inst.Error, "snap1")
	assert.Contains(t, inst.Error, "zones/base")
	assert.Empty(t, z.clones)
}

func TestCloneExistingSnapshot(t *testing.T) {
	z := &fakeSnapshots{existing: map[string]bool{"zones/base@snap1": true}}
	reg := registry(t, Deps{Snapshots: z})

	inst := runTask(t, reg, task.Request{Type: "zfs_clone_dataset", Params: map[string]any{
		"dataset":       "zones/base",
		"snapshot_name": "snap1",
		"target":        "zones/copy",
	}})

	require.Equal(t, task.StateSucceeded, inst.State)
	assert.Equal(t, "zones/base", inst.ResourceKey)
	assert.Equal(t, []string{"zones/base@snap1 -> zones/copy"}, z.clones)
}

func TestUninstallPartialFailure(t *testing.T) {
	inv := &fakeInventory{}
	pm := &fakePackages{fail: map[string]error{"B": errors.New("package B is not installed")}}
	reg := registry(t, Deps{Packages: pm, Inventory: inv})

	inst := runTask(t, reg, task.Request{Type: "agents_uninstall", Params: map[string]any{"agents": []any{"A", "B"}}})

	require.Equal(t, task.StateFailed, inst.State)
	assert.Contains(t, inst.Error, "package B is not installed")
	assert.Contains(t, inst.Error, "succeeded: A")
	assert.Equal(t, 1, inv.calls)
	assert.Equal(t, "agents", inst.ResourceKey)
}

func TestUninstallRefreshFailureIsOnlyLogged(t *testing.T) {
	inv := &fakeInventory{err: errors.New("job server unavailable")}
	reg := registry(t, Deps{Packages: &fakePackages{}, Inventory: inv})

	inst := runTask(t, reg, task.Request{Type: "agents_uninstall", Params: map[string]any{"agents": []any{"A"}}})

	require.Equal(t, task.StateSucceeded, inst.State)
	assert.Equal(t, map[string]any{"agents": []string{"A"}}, inst.Result)
	assert.Equal(t, 1, inv.calls)
}

func TestMachineHandlers(t *testing.T) {
	g := &fakeGuests{fail: map[string]error{"reboot " + vm + " true": errors.New("guest is stopped")}}
	reg := registry(t, Deps{Guests: g})

	inst := runTask(t, reg, task.Request{Type: "machine_boot", Params: map[string]any{"uuid": vm}})
	require.Equal(t, task.StateSucceeded, inst.State)
	assert.Equal(t, vm, inst.ResourceKey)
	assert.Equal(t, &executor.Guest{UUID: vm, State: "running"}, inst.Result)

	inst = runTask(t, reg, task.Request{Type: "machine_reboot", Params: map[string]any{"uuid": vm, "force": true}})
	require.Equal(t, task.StateFailed, inst.State)
	assert.Equal(t, "machine_reboot "+vm+": guest is stopped", inst.Error)

	inst = runTask(t, reg, task.Request{Type: "machine_sysrq", Params: map[string]any{"uuid": vm, "request": "nmi"}})
	require.Equal(t, task.StateSucceeded, inst.State)
	var custom []task.Message
	for _, m := range inst.Events {
		if m.Event == task.EventCustom {
			custom = append(custom, m)
		}
	}
	require.Len(t, custom, 1)
	assert.Equal(t, "sysrq", custom[0].Name)

	assert.Equal(t, []string{"start " + vm, "load " + vm, "reboot " + vm + " true", "sysrq " + vm + " nmi"}, g.calls)

	r, err := reg.Lookup("machine_sysrq")
	require.NoError(t, err)
	_, err = r.New(task.Request{Params: map[string]any{"uuid": vm, "request": "reboot"}})
	assert.True(t, task.IsValidation(err))
	_, err = r.New(task.Request{Params: map[string]any{"request": "nmi"}})
	assert.True(t, task.IsValidation(err))
}

func TestSysrqScreenshotPayload(t *testing.T) {
	reg := registry(t, Deps{Guests: &fakeGuests{}})

	inst := runTask(t, reg, task.Request{Type: "machine_sysrq", Params: map[string]any{"uuid": vm, "request": "screenshot"}})
	require.Equal(t, task.StateSucceeded, inst.State)

	var payload map[string]any
	for _, m := range inst.Events {
		if m.Event == task.EventCustom && m.Name == "sysrq" {
			payload, _ = m.Payload.(map[string]any)
		}
	}
	require.NotNil(t, payload)
	assert.Equal(t, "base64", payload["encoding"])
	assert.Equal(t, len("P6 1 1 255 abc"), payload["size"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("P6 1 1 255 abc")), payload["data"])
}

func TestMalformedParamsFailAtAdmission(t *testing.T) {
	sp := &fakeSpawner{}
	reg := registry(t, Deps{
		Guests:    executor.NewVMAdm(sp, "vmadm", t.TempDir()),
		Snapshots: executor.NewZFS(sp, "zfs"),
	})
	rep := reporter.New(reporter.Options{})
	q := queue.New(queue.Options{MaxConcurrency: 2})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	d := dispatcher.New(dispatcher.Options{Registry: reg, Queue: q, Reporter: rep, DefaultTimeout: time.Second})

	cases := []struct {
		typ    string
		params map[string]any
		field  string
	}{
		{"machine_boot", map[string]any{"uuid": "not a uuid; rm -rf /"}, "uuid"},
		{"machine_kill", map[string]any{"uuid": vm, "signal": "KILL; reboot"}, "signal"},
		{"machine_delete_snapshot", map[string]any{"uuid": vm, "snapshot_name": "-rf"}, "snapshot_name"},
		{"zfs_snapshot_dataset", map[string]any{"dataset": "zones/a", "snapshot_name": "bad name"}, "snapshot_name"},
		{"zfs_destroy_dataset", map[string]any{"dataset": "-r zones"}, "dataset"},
		{"zfs_clone_dataset", map[string]any{"dataset": "zones/a", "snapshot_name": "s1", "target": "zones/b; ls"}, "target"},
		{"zfs_get_properties", map[string]any{"dataset": "zones/a", "properties": []any{"quota,all"}}, "properties"},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			inst, err := d.Submit(context.Background(), task.Request{Type: tc.typ, Params: tc.params})
			require.NoError(t, err)
			assert.Equal(t, task.StateFailed, inst.State)
			assert.True(t, inst.StartedAt.IsZero())
			assert.True(t, strings.HasPrefix(inst.Error, "invalid parameter "+tc.field+": "), inst.Error)
		})
	}

	for _, tc := range cases {
		r, err := reg.Lookup(tc.typ)
		require.NoError(t, err)
		_, err = r.New(task.Request{Type: tc.typ, Params: tc.params})
		assert.True(t, task.IsValidation(err), tc.typ)
	}
	assert.Empty(t, sp.ran)
}

func TestServerReboot(t *testing.T) {
	sp := &fakeSpawner{}
	reg := registry(t, Deps{Spawner: sp})

	inst := runTask(t, reg, task.Request{Type: "server_reboot", Params: map[string]any{"delaySec": 5}})
	require.Equal(t, task.StateSucceeded, inst.State)
	assert.Equal(t, "server", inst.ResourceKey)
	assert.Equal(t, []string{"/bin/sh -c sleep 5 && /usr/sbin/reboot"}, sp.disowned)
}

func TestImageGetProgress(t *testing.T) {
	reg := registry(t, Deps{Images: fakeImages{size: 400}})

	inst := runTask(t, reg, task.Request{Type: "image_get", Params: map[string]any{"uuid": "img-1"}})
	require.Equal(t, task.StateSucceeded, inst.State)
	assert.Equal(t, "image:img-1", inst.ResourceKey)

	var values []int
	for _, m := range inst.Events {
		if m.Event == task.EventProgress {
			values = append(values, m.Value)
		}
	}
	assert.Equal(t, []int{0, 24, 49, 74, 99, 100}, values)
}

func TestServerSysinfo(t *testing.T) {
	reg := registry(t, Deps{Stats: fakeStats{}})
	inst := runTask(t, reg, task.Request{Type: "server_sysinfo"})
	require.Equal(t, task.StateSucceeded, inst.State)
	assert.Equal(t, "cn-1", inst.Result.(*stats.SystemStats).Hostname)
}
