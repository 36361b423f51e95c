package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/netly/cnagent/internal/task"
	"go.uber.org/zap"
)

const serverKey = "server"

func serverHandlers(deps Deps) []entry {
	return []entry{
		{name: "server_reboot", reg: task.Registration{
			New: func(req task.Request) (task.Task, error) {
				delay, err := optionalDelay(req)
				if err != nil {
					return nil, err
				}
				return job(func(ctx context.Context, _ task.Controller) (any, error) {
					// The reboot outlives the agent, so success means launched.
					script := fmt.Sprintf("sleep %d && /usr/sbin/reboot", delay)
					if err := deps.Spawner.Disown("/bin/sh", "-c", script); err != nil {
						return nil, execErr("server_reboot", "", err)
					}
					deps.Logger.Warn("server_reboot_launched", zap.Int64("delay_sec", delay))
					return map[string]any{"launched": true, "delay_sec": delay}, nil
				}), nil
			},
			Key:     fixedKey(serverKey),
			Timeout: 30 * time.Second,
		}},
	}
}

func optionalDelay(req task.Request) (int64, error) {
	if _, ok := req.Params["delaySec"]; !ok {
		return 2, nil
	}
	delay, err := req.Int("delaySec")
	if err != nil {
		return 0, err
	}
	if delay < 0 || delay > 3600 {
		return 0, &task.ValidationError{Field: "delaySec", Reason: "must be between 0 and 3600"}
	}
	return delay, nil
}
