// Package handlers contains the concrete task types an agent offers. Each
// handler validates its parameters up front and delegates the work to a
// collaborator from internal/executor or internal/remote.
package handlers

import (
	"context"
	"fmt"

	"github.com/netly/cnagent/internal/executor"
	"github.com/netly/cnagent/internal/remote"
	"github.com/netly/cnagent/internal/stats"
	"github.com/netly/cnagent/internal/task"
	"go.uber.org/zap"
)

// Inventory tells the job server to re-read what is installed on this node.
type Inventory interface {
	RefreshInventory(ctx context.Context) error
}

// StatsSource samples host statistics.
type StatsSource interface {
	Collect(ctx context.Context) (*stats.SystemStats, error)
}

// Deps are the collaborators handlers are built with. Task types whose
// collaborator is nil are not registered.
type Deps struct {
	Guests    executor.GuestAPI
	Snapshots executor.SnapshotAPI
	Packages  executor.PackageManager
	Spawner   executor.Spawner
	Inventory Inventory
	Images    remote.ImageSource
	Stats     StatsSource
	Logger    *zap.Logger
}

type entry struct {
	name string
	reg  task.Registration
}

// RegisterAll registers every handler whose collaborators are present.
func RegisterAll(reg *task.Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	entries := basicHandlers(deps)
	if deps.Spawner != nil {
		entries = append(entries, serverHandlers(deps)...)
	}
	if deps.Guests != nil {
		entries = append(entries, machineHandlers(deps)...)
	}
	if deps.Snapshots != nil {
		entries = append(entries, zfsHandlers(deps)...)
	}
	if deps.Packages != nil && deps.Inventory != nil {
		entries = append(entries, agentHandlers(deps)...)
	}
	if deps.Images != nil {
		entries = append(entries, imageHandlers(deps)...)
	}

	for _, e := range entries {
		if err := reg.Register(e.name, e.reg); err != nil {
			return fmt.Errorf("register %s: %w", e.name, err)
		}
	}
	return nil
}

// job runs a blocking function and reports its outcome.
type job func(ctx context.Context, c task.Controller) (any, error)

func (j job) Start(ctx context.Context, c task.Controller) {
	result, err := j(ctx, c)
	if err != nil {
		c.Fatal(err)
		return
	}
	c.Finish(result)
}

func paramKey(name string) task.KeyFunc {
	return func(req task.Request) string {
		v, _ := req.String(name)
		return v
	}
}

func fixedKey(key string) task.KeyFunc {
	return func(task.Request) string { return key }
}

// checked reports a failed format check on field as a validation error.
func checked(field string, err error) error {
	if err == nil {
		return nil
	}
	return &task.ValidationError{Field: field, Reason: err.Error()}
}

func execErr(op, target string, err error) error {
	if err == nil {
		return nil
	}
	return &task.ExecutionError{Op: op, Target: target, Err: err}
}
