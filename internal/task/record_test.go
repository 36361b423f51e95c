package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordLifecycle(t *testing.T) {
	now := time.Now()
	rec := NewRecord("t1", "sleep", GlobalKey, now)
	assert.Equal(t, StateCreated, rec.State())

	require.True(t, rec.Start(now))
	assert.False(t, rec.Start(now), "start must happen once")

	rec.Progress(30, now)
	rec.Event("step", map[string]any{"n": 1}, now)
	require.True(t, rec.Finish("ok", now.Add(time.Second)))

	inst := rec.Snapshot()
	assert.Equal(t, StateSucceeded, inst.State)
	assert.Equal(t, 100, inst.Progress)
	assert.Equal(t, "ok", inst.Result)
	assert.Empty(t, inst.Error)
	assert.Equal(t, time.Second, inst.Duration())

	kinds := make([]EventKind, 0, len(inst.Events))
	for i, m := range inst.Events {
		assert.Equal(t, i+1, m.Seq)
		assert.Equal(t, "t1", m.TaskID)
		kinds = append(kinds, m.Event)
	}
	assert.Equal(t, []EventKind{EventProgress, EventCustom, EventProgress, EventFinish}, kinds)
}

func TestRecordTerminalIsFinal(t *testing.T) {
	now := time.Now()
	rec := NewRecord("t1", "nop", GlobalKey, now)
	rec.Start(now)

	require.True(t, rec.Fail("boom", now))
	assert.False(t, rec.Finish("late", now))
	assert.False(t, rec.Fail("again", now))
	assert.False(t, rec.Event("late", nil, now))
	_, _, ok := rec.Progress(50, now)
	assert.False(t, ok)

	inst := rec.Snapshot()
	assert.Equal(t, StateFailed, inst.State)
	assert.Equal(t, "boom", inst.Error)
	assert.Nil(t, inst.Result)
	require.Len(t, inst.Events, 1)
	assert.Equal(t, EventFatal, inst.Events[0].Event)
}

func TestRecordProgressClamping(t *testing.T) {
	now := time.Now()
	rec := NewRecord("t1", "nop", GlobalKey, now)
	rec.Start(now)

	tests := []struct {
		in      int
		want    int
		clamped bool
	}{
		{in: 10, want: 10},
		{in: 5, want: 10, clamped: true},
		{in: -3, want: 10, clamped: true},
		{in: 60, want: 60},
		{in: 150, want: 100, clamped: true},
		{in: 90, want: 100, clamped: true},
	}
	for _, tt := range tests {
		got, clamped, ok := rec.Progress(tt.in, now)
		require.True(t, ok)
		assert.Equal(t, tt.want, got, "progress(%d)", tt.in)
		assert.Equal(t, tt.clamped, clamped, "progress(%d)", tt.in)
	}

	last := 0
	for _, m := range rec.Snapshot().Events {
		assert.GreaterOrEqual(t, m.Value, last)
		last = m.Value
	}
}

func TestRecordFailFromCreated(t *testing.T) {
	rec := NewRecord("t1", "zfs_clone_dataset", GlobalKey, time.Now())
	require.True(t, rec.Fail("invalid parameter dataset: is required", time.Now()))
	assert.False(t, rec.Start(time.Now()), "a rejected task never runs")
	assert.Equal(t, StateFailed, rec.State())
}

func TestRecordSinceSignalsChanges(t *testing.T) {
	now := time.Now()
	rec := NewRecord("t1", "nop", GlobalKey, now)
	rec.Start(now)

	msgs, changed, terminal := rec.Since(0)
	assert.Empty(t, msgs)
	assert.False(t, terminal)

	rec.Progress(20, now)
	select {
	case <-changed:
	default:
		t.Fatal("expected change notification")
	}

	rec.Finish(nil, now)
	msgs, _, terminal = rec.Since(1)
	assert.True(t, terminal)
	require.Len(t, msgs, 2)
	assert.Equal(t, EventProgress, msgs[0].Event)
	assert.Equal(t, 100, msgs[0].Value)
	assert.Equal(t, EventFinish, msgs[1].Event)
}

func TestMessageJSON(t *testing.T) {
	data, err := json.Marshal(Message{Seq: 1, TaskID: "t1", Event: EventProgress, Value: 0})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"value":0`)

	data, err = json.Marshal(Message{Seq: 2, TaskID: "t1", Event: EventFatal, Error: "boom"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event":"fatal"`)
	assert.Contains(t, string(data), `"error":"boom"`)
	assert.NotContains(t, string(data), `"value"`)
}
