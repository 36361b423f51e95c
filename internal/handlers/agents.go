package handlers

import (
	"context"
	"time"

	"github.com/netly/cnagent/internal/task"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const agentsKey = "agents"

func agentHandlers(deps Deps) []entry {
	return []entry{
		{name: "agent_install", reg: task.Registration{
			New:     agentsFactory("agent_install", deps, deps.Packages.Install),
			Key:     fixedKey(agentsKey),
			Timeout: 30 * time.Minute,
		}},
		{name: "agents_uninstall", reg: task.Registration{
			New:     agentsFactory("agents_uninstall", deps, deps.Packages.Uninstall),
			Key:     fixedKey(agentsKey),
			Timeout: 30 * time.Minute,
		}},
	}
}

type packageOp func(ctx context.Context, names []string) ([]string, error)

// agentsFactory runs op over params.agents and refreshes the inventory
// exactly once afterwards, whatever op returned. A failed refresh is logged
// and does not change the outcome.
func agentsFactory(op string, deps Deps, run packageOp) task.Factory {
	return func(req task.Request) (task.Task, error) {
		names, err := req.Strings("agents")
		if err != nil {
			return nil, err
		}
		return job(func(ctx context.Context, c task.Controller) (any, error) {
			c.Progress(5)
			done, runErr := run(ctx, names)
			c.Progress(90)

			if err := deps.Inventory.RefreshInventory(ctx); err != nil {
				deps.Logger.Warn("inventory_refresh_failed", zap.String("op", op), zap.Error(err))
			}

			if runErr != nil {
				deps.Logger.Warn("agents_partial_failure",
					zap.String("op", op),
					zap.Strings("succeeded", done),
					zap.Int("failures", len(multierr.Errors(runErr))),
				)
				return nil, &task.PartialFailure{
					Op:        op,
					Succeeded: done,
					Failed:    failedNames(names, done),
					Err:       runErr,
				}
			}
			return map[string]any{"agents": done}, nil
		}), nil
	}
}

func failedNames(all, done []string) []string {
	ok := make(map[string]struct{}, len(done))
	for _, n := range done {
		ok[n] = struct{}{}
	}
	var failed []string
	for _, n := range all {
		if _, good := ok[n]; !good {
			failed = append(failed, n)
		}
	}
	return failed
}
