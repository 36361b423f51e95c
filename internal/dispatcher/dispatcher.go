// Package dispatcher turns requests into queued task instances.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/netly/cnagent/internal/queue"
	"github.com/netly/cnagent/internal/reporter"
	"github.com/netly/cnagent/internal/runner"
	"github.com/netly/cnagent/internal/task"
	"go.uber.org/zap"
)

type Options struct {
	Registry       *task.Registry
	Queue          *queue.Queue
	Reporter       *reporter.Reporter
	DefaultTimeout time.Duration
	Logger         *zap.Logger
}

type Dispatcher struct {
	registry       *task.Registry
	queue          *queue.Queue
	reporter       *reporter.Reporter
	defaultTimeout time.Duration
	logger         *zap.Logger
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:       opts.Registry,
		queue:          opts.Queue,
		reporter:       opts.Reporter,
		defaultTimeout: opts.DefaultTimeout,
		logger:         logger,
	}
}

// Submit accepts a request and returns the instance as it stands right after
// admission. An unknown type or invalid parameters do not produce an error:
// the returned instance is already Failed and carries the reason. Errors are
// returned only when the request could not be admitted at all.
func (d *Dispatcher) Submit(ctx context.Context, req task.Request) (task.Instance, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	if d.reporter.Known(ctx, req.ID) {
		return task.Instance{}, fmt.Errorf("%w: %s", task.ErrDuplicateRequest, req.ID)
	}

	log := d.logger.With(zap.String("task_id", req.ID), zap.String("type", req.Type))

	reg, err := d.registry.Lookup(req.Type)
	if err != nil {
		log.Warn("task_rejected_unknown_type")
		return d.reject(req, task.GlobalKey, err)
	}

	t, err := reg.New(req)
	if err != nil {
		var verr *task.ValidationError
		if !errors.As(err, &verr) {
			err = &task.ValidationError{Field: "params", Reason: err.Error()}
		}
		log.Warn("task_rejected_invalid_params", zap.Error(err))
		return d.reject(req, reg.ResourceKey(req), err)
	}

	key := reg.ResourceKey(req)
	timeout := d.timeoutFor(req, reg)

	rec := task.NewRecord(req.ID, req.Type, key, time.Now())
	if err := d.reporter.Track(rec); err != nil {
		return task.Instance{}, fmt.Errorf("%w: %s", err, req.ID)
	}

	r := runner.New(t, rec, runner.Options{Timeout: timeout, Logger: d.logger})
	if err := d.queue.Enqueue(key, r); err != nil {
		rec.Fail(err.Error(), time.Now())
		log.Error("task_enqueue_failed", zap.Error(err))
		return rec.Snapshot(), err
	}

	log.Info("task_submitted", zap.String("resource_key", key), zap.Duration("timeout", timeout))
	return rec.Snapshot(), nil
}

// reject records a request that never reaches the queue: Created straight
// to Failed.
func (d *Dispatcher) reject(req task.Request, key string, cause error) (task.Instance, error) {
	rec := task.NewRecord(req.ID, req.Type, key, time.Now())
	if err := d.reporter.Track(rec); err != nil {
		return task.Instance{}, fmt.Errorf("%w: %s", err, req.ID)
	}
	rec.Fail(cause.Error(), time.Now())
	return rec.Snapshot(), nil
}

func (d *Dispatcher) timeoutFor(req task.Request, reg task.Registration) time.Duration {
	switch {
	case req.Timeout > 0:
		return req.Timeout
	case reg.Timeout > 0:
		return reg.Timeout
	default:
		return d.defaultTimeout
	}
}

// Types lists the registered task types.
func (d *Dispatcher) Types() []string {
	return d.registry.Types()
}
