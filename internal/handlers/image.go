package handlers

import (
	"context"
	"time"

	"github.com/netly/cnagent/internal/task"
)

func imageHandlers(deps Deps) []entry {
	return []entry{
		{name: "image_get", reg: task.Registration{
			New: func(req task.Request) (task.Task, error) {
				uuid, err := req.String("uuid")
				if err != nil {
					return nil, err
				}
				return job(func(ctx context.Context, c task.Controller) (any, error) {
					img, err := deps.Images.Fetch(ctx, uuid, func(written, total int64) {
						if total > 0 {
							// 100 is reserved for Finish
							c.Progress(int(min(written*99/total, 99)))
						}
					})
					if err != nil {
						return nil, execErr("image_get", uuid, err)
					}
					return img, nil
				}), nil
			},
			Key: func(req task.Request) string {
				uuid, _ := req.String("uuid")
				if uuid == "" {
					return ""
				}
				return "image:" + uuid
			},
			Timeout: time.Hour,
		}},
	}
}
