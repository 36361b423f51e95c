package handlers

import (
	"context"
	"encoding/base64"

	"github.com/netly/cnagent/internal/executor"
	"github.com/netly/cnagent/internal/task"
)

// machineOp is one guest operation: it gets the validated guest uuid and
// returns the task result.
type machineOp func(ctx context.Context, c task.Controller, guests executor.GuestAPI, uuid string) (any, error)

func machineHandlers(deps Deps) []entry {
	ops := map[string]func(req task.Request) (machineOp, error){
		"machine_load": func(task.Request) (machineOp, error) {
			return func(ctx context.Context, _ task.Controller, g executor.GuestAPI, uuid string) (any, error) {
				return g.Load(ctx, uuid)
			}, nil
		},
		"machine_boot": func(task.Request) (machineOp, error) {
			return func(ctx context.Context, c task.Controller, g executor.GuestAPI, uuid string) (any, error) {
				if err := g.Start(ctx, uuid); err != nil {
					return nil, err
				}
				c.Progress(80)
				return g.Load(ctx, uuid)
			}, nil
		},
		"machine_shutdown": func(req task.Request) (machineOp, error) {
			force, err := req.OptionalBool("force", false)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, _ task.Controller, g executor.GuestAPI, uuid string) (any, error) {
				return map[string]any{"uuid": uuid, "force": force}, g.Stop(ctx, uuid, force)
			}, nil
		},
		"machine_reboot": func(req task.Request) (machineOp, error) {
			force, err := req.OptionalBool("force", false)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, _ task.Controller, g executor.GuestAPI, uuid string) (any, error) {
				return map[string]any{"uuid": uuid, "force": force}, g.Reboot(ctx, uuid, force)
			}, nil
		},
		"machine_kill": func(req task.Request) (machineOp, error) {
			signal, err := req.OptionalString("signal", "")
			if err != nil {
				return nil, err
			}
			if err := checked("signal", executor.CheckSignal(signal)); err != nil {
				return nil, err
			}
			return func(ctx context.Context, _ task.Controller, g executor.GuestAPI, uuid string) (any, error) {
				return map[string]any{"uuid": uuid, "signal": signal}, g.Kill(ctx, uuid, signal)
			}, nil
		},
		"machine_sysrq": func(req task.Request) (machineOp, error) {
			request, err := req.String("request")
			if err != nil {
				return nil, err
			}
			if request != "nmi" && request != "screenshot" {
				return nil, &task.ValidationError{Field: "request", Reason: `must be "nmi" or "screenshot"`}
			}
			return func(ctx context.Context, c task.Controller, g executor.GuestAPI, uuid string) (any, error) {
				image, err := g.Sysrq(ctx, uuid, request)
				if err != nil {
					return nil, err
				}
				c.Event("sysrq", sysrqPayload(request, image))
				return map[string]any{"uuid": uuid, "request": request}, nil
			}, nil
		},
		"machine_delete_snapshot": func(req task.Request) (machineOp, error) {
			name, err := req.String("snapshot_name")
			if err != nil {
				return nil, err
			}
			if err := checked("snapshot_name", executor.CheckName("snapshot", name)); err != nil {
				return nil, err
			}
			return func(ctx context.Context, _ task.Controller, g executor.GuestAPI, uuid string) (any, error) {
				return map[string]any{"uuid": uuid, "snapshot_name": name}, g.DeleteSnapshot(ctx, uuid, name)
			}, nil
		},
	}

	entries := make([]entry, 0, len(ops))
	for name, build := range ops {
		entries = append(entries, entry{name: name, reg: task.Registration{
			New: machineFactory(name, build, deps.Guests),
			Key: paramKey("uuid"),
		}})
	}
	return entries
}

func machineFactory(op string, build func(task.Request) (machineOp, error), guests executor.GuestAPI) task.Factory {
	return func(req task.Request) (task.Task, error) {
		uuid, err := req.String("uuid")
		if err != nil {
			return nil, err
		}
		if err := checked("uuid", executor.CheckUUID(uuid)); err != nil {
			return nil, err
		}
		run, err := build(req)
		if err != nil {
			return nil, err
		}
		return job(func(ctx context.Context, c task.Controller) (any, error) {
			result, err := run(ctx, c, guests, uuid)
			if err != nil {
				return nil, execErr(op, uuid, err)
			}
			return result, nil
		}), nil
	}
}

func sysrqPayload(request string, image []byte) map[string]any {
	payload := map[string]any{"request": request}
	if request == "screenshot" {
		payload["format"] = "ppm"
		payload["encoding"] = "base64"
		payload["size"] = len(image)
		payload["data"] = base64.StdEncoding.EncodeToString(image)
	}
	return payload
}
