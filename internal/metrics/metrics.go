// Package metrics exposes task runtime metrics in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/netly/cnagent/internal/queue"
	"github.com/netly/cnagent/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cnagent"

// Recorder is a reporter forwarder that turns task messages into metrics.
type Recorder struct {
	registry *prometheus.Registry

	finished *prometheus.CounterVec
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state.",
		}, []string{"type", "state"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_messages_total",
			Help:      "Messages emitted by tasks, by kind.",
		}, []string{"type", "event"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from start to terminal state.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"type"}),
	}
	r.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		r.finished,
		r.events,
		r.duration,
	)
	return r
}

// WatchQueue exports the queue's lane, pending and running counts.
func (r *Recorder) WatchQueue(stats func() queue.Stats) {
	gauge := func(name, help string, pick func(queue.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(stats())) })
	}
	r.registry.MustRegister(
		gauge("lanes", "Resource keys with a running task.", func(s queue.Stats) int { return s.Lanes }),
		gauge("pending", "Tasks waiting for their resource key or a concurrency slot.", func(s queue.Stats) int { return s.Pending }),
		gauge("running", "Tasks currently executing.", func(s queue.Stats) int { return s.Running }),
	)
}

// WatchLive exports the number of tasks not yet archived.
func (r *Recorder) WatchLive(live func() int) {
	r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_live",
		Help:      "Tracked tasks that are not archived yet.",
	}, func() float64 { return float64(live()) }))
}

func (r *Recorder) Forward(h task.Header, msg task.Message) {
	r.events.WithLabelValues(h.Type, string(msg.Event)).Inc()
	if !msg.Terminal() {
		return
	}

	state := task.StateSucceeded
	if msg.Event == task.EventFatal {
		state = task.StateFailed
	}
	r.finished.WithLabelValues(h.Type, string(state)).Inc()
	if !h.StartedAt.IsZero() {
		r.duration.WithLabelValues(h.Type).Observe(msg.Time.Sub(h.StartedAt).Seconds())
	}
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }
