package dto

import (
	"time"

	"github.com/netly/cnagent/internal/queue"
	"github.com/netly/cnagent/internal/task"
)

// SubmitTaskRequest mirrors the {requestId, type, params, timeoutMs?}
// submission format.
type SubmitTaskRequest struct {
	RequestID string         `json:"requestId"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params"`
	TimeoutMs int64          `json:"timeoutMs,omitempty"`
}

func (r *SubmitTaskRequest) Validate() []string {
	var errors []string
	if r.Type == "" {
		errors = append(errors, "type is required")
	}
	if r.TimeoutMs < 0 {
		errors = append(errors, "timeoutMs must not be negative")
	}
	return errors
}

func (r *SubmitTaskRequest) ToRequest() task.Request {
	params := r.Params
	if params == nil {
		params = map[string]any{}
	}
	return task.Request{
		ID:      r.RequestID,
		Type:    r.Type,
		Params:  params,
		Timeout: time.Duration(r.TimeoutMs) * time.Millisecond,
	}
}

// TaskResponse is an instance without its event log.
type TaskResponse struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	ResourceKey string     `json:"resource_key"`
	State       task.State `json:"state"`
	Progress    int        `json:"progress"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func TaskToResponse(inst task.Instance) TaskResponse {
	resp := TaskResponse{
		ID:          inst.ID,
		Type:        inst.Type,
		ResourceKey: inst.ResourceKey,
		State:       inst.State,
		Progress:    inst.Progress,
		Result:      inst.Result,
		Error:       inst.Error,
		CreatedAt:   inst.CreatedAt,
	}
	if !inst.StartedAt.IsZero() {
		t := inst.StartedAt
		resp.StartedAt = &t
	}
	if !inst.FinishedAt.IsZero() {
		t := inst.FinishedAt
		resp.FinishedAt = &t
	}
	return resp
}

func TasksToResponse(list []task.Instance) []TaskResponse {
	out := make([]TaskResponse, len(list))
	for i, inst := range list {
		out[i] = TaskToResponse(inst)
	}
	return out
}

type EventsResponse struct {
	ID     string         `json:"id"`
	State  task.State     `json:"state"`
	Events []task.Message `json:"events"`
}

type TypesResponse struct {
	Types []string `json:"types"`
}

// StatusResponse describes the runtime at a glance.
type StatusResponse struct {
	Version string      `json:"version"`
	Live    int         `json:"live_tasks"`
	Queue   queue.Stats `json:"queue"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
