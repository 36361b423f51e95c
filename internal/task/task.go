// Package task defines the unit-of-work contract every handler implements and
// the bookkeeping the runtime keeps for each submitted request.
package task

import (
	"context"
	"encoding/json"
	"time"
)

// GlobalKey is the resource key for tasks that never conflict with anything.
const GlobalKey = "global"

type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func (s State) rank() int {
	switch s {
	case StateCreated:
		return 0
	case StateRunning:
		return 1
	case StateSucceeded, StateFailed:
		return 2
	}
	return -1
}

// Controller is the channel through which a running task reports back.
// Finish and Fatal are terminal; only the first terminal call has any effect.
type Controller interface {
	Progress(percent int)
	Event(name string, payload any)
	Finish(result any)
	Fatal(err error)
}

// Task is implemented by every handler. Start must eventually cause exactly
// one Finish or Fatal on c. The ctx is cancelled once the task is terminal.
type Task interface {
	Start(ctx context.Context, c Controller)
}

// Canceler is implemented by handlers that can interrupt in-flight work.
type Canceler interface {
	Cancel(ctx context.Context) error
}

type EventKind string

const (
	EventProgress EventKind = "progress"
	EventCustom   EventKind = "custom"
	EventFinish   EventKind = "finish"
	EventFatal    EventKind = "fatal"
)

// Message is one entry of a task's ordered event log.
type Message struct {
	Seq     int       `json:"seq"`
	TaskID  string    `json:"task_id"`
	Event   EventKind `json:"event"`
	Value   int       `json:"value,omitempty"`
	Name    string    `json:"name,omitempty"`
	Payload any       `json:"payload,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

func (m Message) Terminal() bool {
	return m.Event == EventFinish || m.Event == EventFatal
}

// MarshalJSON keeps "value" on progress messages even when it is zero.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	if m.Event != EventProgress {
		return json.Marshal(plain(m))
	}
	return json.Marshal(struct {
		plain
		Value int `json:"value"`
	}{plain: plain(m), Value: m.Value})
}

// Header identifies a task instance without copying its event log.
type Header struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ResourceKey string    `json:"resource_key"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// Instance is a point-in-time copy of a task's state.
type Instance struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ResourceKey string    `json:"resource_key"`
	State       State     `json:"state"`
	Progress    int       `json:"progress"`
	Events      []Message `json:"events,omitempty"`
	Result      any       `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

func (i Instance) Duration() time.Duration {
	if i.StartedAt.IsZero() || i.FinishedAt.IsZero() {
		return 0
	}
	return i.FinishedAt.Sub(i.StartedAt)
}
