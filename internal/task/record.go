package task

import (
	"sync"
	"time"
)

// Record is the live, mutable state of one task instance. Every mutation
// appends to an ordered message log under a single lock, so the log order is
// the order in which the handler issued its calls.
type Record struct {
	mu      sync.Mutex
	inst    Instance
	changed chan struct{}
}

func NewRecord(id, typeName, resourceKey string, now time.Time) *Record {
	return &Record{
		inst: Instance{
			ID:          id,
			Type:        typeName,
			ResourceKey: resourceKey,
			State:       StateCreated,
			CreatedAt:   now,
		},
		changed: make(chan struct{}),
	}
}

func (r *Record) ID() string { return r.inst.ID }

func (r *Record) Header() Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Header{
		ID:          r.inst.ID,
		Type:        r.inst.Type,
		ResourceKey: r.inst.ResourceKey,
		CreatedAt:   r.inst.CreatedAt,
		StartedAt:   r.inst.StartedAt,
	}
}

func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inst.State
}

func (r *Record) Snapshot() Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.inst
	out.Events = append([]Message(nil), r.inst.Events...)
	return out
}

// Start moves Created to Running.
func (r *Record) Start(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.advance(StateRunning) {
		return false
	}
	r.inst.StartedAt = now
	r.notify()
	return true
}

// Progress records a progress report. Values outside [0,100] are clamped into
// range and values below the last report are clamped up to it. It returns
// the value actually recorded, whether clamping happened, and false when the
// task is no longer running.
func (r *Record) Progress(percent int, now time.Time) (int, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inst.State != StateRunning {
		return r.inst.Progress, false, false
	}

	value := percent
	if value < 0 {
		value = 0
	}
	if value > 100 {
		value = 100
	}
	if value < r.inst.Progress {
		value = r.inst.Progress
	}
	r.inst.Progress = value
	r.appendLocked(Message{Event: EventProgress, Value: value, Time: now})
	return value, value != percent, true
}

func (r *Record) Event(name string, payload any, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inst.State != StateRunning {
		return false
	}
	r.appendLocked(Message{Event: EventCustom, Name: name, Payload: payload, Time: now})
	return true
}

// Finish moves Running to Succeeded and forces progress to 100.
func (r *Record) Finish(result any, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inst.State != StateRunning || !r.advance(StateSucceeded) {
		return false
	}
	if r.inst.Progress < 100 {
		r.inst.Progress = 100
		r.appendLocked(Message{Event: EventProgress, Value: 100, Time: now})
	}
	r.inst.Result = result
	r.inst.FinishedAt = now
	r.appendLocked(Message{Event: EventFinish, Result: result, Time: now})
	return true
}

// Fail moves Created or Running to Failed.
func (r *Record) Fail(message string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.advance(StateFailed) {
		return false
	}
	if message == "" {
		message = "task failed"
	}
	r.inst.Error = message
	r.inst.FinishedAt = now
	r.appendLocked(Message{Event: EventFatal, Error: message, Time: now})
	return true
}

// Since returns the messages from index from onwards, a channel closed on
// the next change, and whether the record is terminal.
func (r *Record) Since(from int) ([]Message, <-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	if from < len(r.inst.Events) {
		out = append(out, r.inst.Events[from:]...)
	}
	return out, r.changed, r.inst.State.Terminal()
}

// Watch returns a channel closed on the next change and whether the record
// is terminal.
func (r *Record) Watch() (<-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed, r.inst.State.Terminal()
}

func (r *Record) advance(to State) bool {
	if r.inst.State.Terminal() || to.rank() <= r.inst.State.rank() {
		return false
	}
	r.inst.State = to
	return true
}

func (r *Record) appendLocked(m Message) {
	m.Seq = len(r.inst.Events) + 1
	m.TaskID = r.inst.ID
	r.inst.Events = append(r.inst.Events, m)
	r.notify()
}

func (r *Record) notify() {
	close(r.changed)
	r.changed = make(chan struct{})
}
