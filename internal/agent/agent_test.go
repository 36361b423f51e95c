package agent

import (
	"context"
	"testing"
	"time"

	"github.com/netly/cnagent/config"
	"github.com/netly/cnagent/internal/logger"
	"github.com/netly/cnagent/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Enabled = false
	cfg.Agent.BackendURL = ""
	cfg.Redis.Enabled = false
	cfg.Store.Driver = "memory"
	cfg.Images.Host = ""
	return cfg
}

func TestNewRegistersLocalHandlers(t *testing.T) {
	a, err := New(testConfig(t), logger.NewNop())
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	types := a.Types()
	assert.Contains(t, types, "machine_boot")
	assert.Contains(t, types, "zfs_clone_dataset")
	assert.Contains(t, types, "agents_uninstall")
	assert.Contains(t, types, "server_sysinfo")
	assert.NotContains(t, types, "image_get")
}

func TestSubmitAndWait(t *testing.T) {
	a, err := New(testConfig(t), logger.NewNop())
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	inst, err := a.Dispatcher().Submit(context.Background(), task.Request{Type: "nop"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := a.Reporter().Wait(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateSucceeded, final.State)
}

func TestShutdownAbortsRunningTasks(t *testing.T) {
	a, err := New(testConfig(t), logger.NewNop())
	require.NoError(t, err)

	inst, err := a.Dispatcher().Submit(context.Background(), task.Request{
		Type:   "sleep",
		Params: map[string]any{"timeoutMs": 10000},
	})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, a.Shutdown(ctx))

	got, err := a.Reporter().Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, got.State)
	assert.Contains(t, got.Error, "aborted")

	_, err = a.Dispatcher().Submit(context.Background(), task.Request{Type: "nop"})
	assert.ErrorIs(t, err, task.ErrQueueClosed)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Enabled = true
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	a, err := New(cfg, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestUnknownStoreDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	_, err := New(cfg, logger.NewNop())
	assert.ErrorContains(t, err, `unknown store driver "sqlite"`)
}
