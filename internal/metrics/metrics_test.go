package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/netly/cnagent/internal/queue"
	"github.com/netly/cnagent/internal/task"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCountsTerminalStates(t *testing.T) {
	r := New()
	start := time.Now()
	h := task.Header{ID: "t1", Type: "machine_boot", StartedAt: start}

	r.Forward(h, task.Message{Event: task.EventProgress, Value: 50, Time: start})
	r.Forward(h, task.Message{Event: task.EventFinish, Time: start.Add(2 * time.Second)})
	r.Forward(task.Header{ID: "t2", Type: "machine_boot"}, task.Message{Event: task.EventFatal, Error: "invalid"})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.finished.WithLabelValues("machine_boot", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.finished.WithLabelValues("machine_boot", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.events.WithLabelValues("machine_boot", "progress")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.duration))
}

func TestHandlerExposesQueueGauges(t *testing.T) {
	r := New()
	r.WatchQueue(func() queue.Stats { return queue.Stats{Lanes: 2, Pending: 3, Running: 4} })
	r.WatchLive(func() int { return 7 })

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "cnagent_queue_pending 3")
	assert.Contains(t, string(body), "cnagent_queue_running 4")
	assert.Contains(t, string(body), "cnagent_tasks_live 7")
}
