package handlers

import (
	"context"
	"fmt"

	"github.com/netly/cnagent/internal/executor"
	"github.com/netly/cnagent/internal/task"
)

func zfsHandlers(deps Deps) []entry {
	z := deps.Snapshots
	byDataset := paramKey("dataset")

	return []entry{
		{name: "zfs_list_datasets", reg: task.Registration{New: func(req task.Request) (task.Task, error) {
			parent, err := req.OptionalString("dataset", "")
			if err != nil {
				return nil, err
			}
			if parent != "" {
				if err := checked("dataset", executor.CheckDatasetName(parent)); err != nil {
					return nil, err
				}
			}
			return job(func(ctx context.Context, _ task.Controller) (any, error) {
				list, err := z.List(ctx, parent)
				if err != nil {
					return nil, execErr("zfs_list_datasets", parent, err)
				}
				if list == nil {
					list = []executor.Dataset{}
				}
				return map[string]any{"datasets": list}, nil
			}), nil
		}}},

		{name: "zfs_snapshot_dataset", reg: task.Registration{Key: byDataset, New: func(req task.Request) (task.Task, error) {
			dataset, name, err := datasetAndSnapshot(req)
			if err != nil {
				return nil, err
			}
			recursive, err := req.OptionalBool("recursive", false)
			if err != nil {
				return nil, err
			}
			return job(func(ctx context.Context, _ task.Controller) (any, error) {
				if err := z.Snapshot(ctx, dataset, name, recursive); err != nil {
					return nil, execErr("zfs_snapshot_dataset", dataset, err)
				}
				return map[string]any{"snapshot": dataset + "@" + name}, nil
			}), nil
		}}},

		{name: "zfs_clone_dataset", reg: task.Registration{Key: byDataset, New: newClone(z)}},

		{name: "zfs_destroy_dataset", reg: task.Registration{Key: byDataset, New: func(req task.Request) (task.Task, error) {
			dataset, err := requireDataset(req, "dataset")
			if err != nil {
				return nil, err
			}
			recursive, err := req.OptionalBool("recursive", false)
			if err != nil {
				return nil, err
			}
			return job(func(ctx context.Context, _ task.Controller) (any, error) {
				if err := z.Destroy(ctx, dataset, recursive); err != nil {
					return nil, execErr("zfs_destroy_dataset", dataset, err)
				}
				return map[string]any{"destroyed": dataset}, nil
			}), nil
		}}},

		{name: "zfs_rollback_dataset", reg: task.Registration{Key: byDataset, New: func(req task.Request) (task.Task, error) {
			dataset, name, err := datasetAndSnapshot(req)
			if err != nil {
				return nil, err
			}
			destroyNewer, err := req.OptionalBool("destroy_newer", false)
			if err != nil {
				return nil, err
			}
			return job(func(ctx context.Context, _ task.Controller) (any, error) {
				snapshot := dataset + "@" + name
				if err := z.Rollback(ctx, snapshot, destroyNewer); err != nil {
					return nil, execErr("zfs_rollback_dataset", dataset, err)
				}
				return map[string]any{"rolled_back_to": snapshot}, nil
			}), nil
		}}},

		{name: "zfs_get_properties", reg: task.Registration{Key: byDataset, New: func(req task.Request) (task.Task, error) {
			dataset, err := requireDataset(req, "dataset")
			if err != nil {
				return nil, err
			}
			props, err := req.OptionalStrings("properties")
			if err != nil {
				return nil, err
			}
			for _, p := range props {
				if err := checked("properties", executor.CheckName("property", p)); err != nil {
					return nil, err
				}
			}
			return job(func(ctx context.Context, _ task.Controller) (any, error) {
				values, err := z.GetProperties(ctx, dataset, props)
				if err != nil {
					return nil, execErr("zfs_get_properties", dataset, err)
				}
				return map[string]any{"dataset": dataset, "properties": values}, nil
			}), nil
		}}},
	}
}

// newClone clones dataset@snapshot_name into target. The snapshot must
// already exist.
func newClone(z executor.SnapshotAPI) task.Factory {
	return func(req task.Request) (task.Task, error) {
		dataset, name, err := datasetAndSnapshot(req)
		if err != nil {
			return nil, err
		}
		target, err := requireDataset(req, "target")
		if err != nil {
			return nil, err
		}
		props, err := req.OptionalStringMap("properties")
		if err != nil {
			return nil, err
		}
		for k := range props {
			if err := checked("properties", executor.CheckName("property", k)); err != nil {
				return nil, err
			}
		}
		return job(func(ctx context.Context, c task.Controller) (any, error) {
			snapshot := dataset + "@" + name
			exists, err := z.Exists(ctx, snapshot)
			if err != nil {
				return nil, execErr("zfs_clone_dataset", dataset, err)
			}
			if !exists {
				return nil, execErr("zfs_clone_dataset", dataset, fmt.Errorf("snapshot %q does not exist", name))
			}
			c.Progress(20)
			if err := z.Clone(ctx, snapshot, target, props); err != nil {
				return nil, execErr("zfs_clone_dataset", dataset, err)
			}
			return map[string]any{"origin": snapshot, "dataset": target}, nil
		}), nil
	}
}

func requireDataset(req task.Request, field string) (string, error) {
	name, err := req.String(field)
	if err != nil {
		return "", err
	}
	if err := checked(field, executor.CheckDatasetName(name)); err != nil {
		return "", err
	}
	return name, nil
}

func datasetAndSnapshot(req task.Request) (string, string, error) {
	dataset, err := requireDataset(req, "dataset")
	if err != nil {
		return "", "", err
	}
	name, err := req.String("snapshot_name")
	if err != nil {
		return "", "", err
	}
	if err := checked("snapshot_name", executor.CheckName("snapshot", name)); err != nil {
		return "", "", err
	}
	return dataset, name, nil
}
