package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Dataset struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Used       int64  `json:"used"`
	Available  int64  `json:"available"`
	Referenced int64  `json:"referenced"`
	Mountpoint string `json:"mountpoint,omitempty"`
}

// SnapshotAPI is the filesystem snapshot facility.
type SnapshotAPI interface {
	List(ctx context.Context, parent string) ([]Dataset, error)
	Exists(ctx context.Context, name string) (bool, error)
	Snapshot(ctx context.Context, dataset, name string, recursive bool) error
	Clone(ctx context.Context, snapshot, target string, props map[string]string) error
	Destroy(ctx context.Context, name string, recursive bool) error
	Rollback(ctx context.Context, snapshot string, destroyNewer bool) error
	GetProperties(ctx context.Context, name string, props []string) (map[string]string, error)
}

// ZFS drives datasets through the zfs CLI.
type ZFS struct {
	spawner Spawner
	path    string
}

func NewZFS(spawner Spawner, path string) *ZFS {
	if path == "" {
		path = "zfs"
	}
	return &ZFS{spawner: spawner, path: path}
}

func (z *ZFS) List(ctx context.Context, parent string) ([]Dataset, error) {
	args := []string{"list", "-H", "-p", "-t", "all", "-o", "name,type,used,avail,refer,mountpoint"}
	if parent != "" {
		if err := CheckDatasetName(parent); err != nil {
			return nil, err
		}
		args = append(args, "-r", parent)
	}
	res, err := z.spawner.Run(ctx, z.path, args...)
	if err != nil {
		return nil, err
	}
	return parseDatasets(res.Stdout)
}

func parseDatasets(out string) ([]Dataset, error) {
	var list []Dataset
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) != 6 {
			return nil, fmt.Errorf("unexpected zfs list line %q", line)
		}
		ds := Dataset{Name: cols[0], Type: cols[1]}
		ds.Used = parseSize(cols[2])
		ds.Available = parseSize(cols[3])
		ds.Referenced = parseSize(cols[4])
		if cols[5] != "-" && cols[5] != "none" {
			ds.Mountpoint = cols[5]
		}
		list = append(list, ds)
	}
	return list, nil
}

func parseSize(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Exists reports whether a dataset or snapshot is present.
func (z *ZFS) Exists(ctx context.Context, name string) (bool, error) {
	if err := CheckDatasetName(name); err != nil {
		return false, err
	}
	_, err := z.spawner.Run(ctx, z.path, "list", "-H", "-t", "all", "-o", "name", name)
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "does not exist") {
		return false, nil
	}
	return false, err
}

func (z *ZFS) Snapshot(ctx context.Context, dataset, name string, recursive bool) error {
	if err := CheckDatasetName(dataset); err != nil {
		return err
	}
	if err := CheckName("snapshot", name); err != nil {
		return err
	}
	args := []string{"snapshot"}
	if recursive {
		args = append(args, "-r")
	}
	_, err := z.spawner.Run(ctx, z.path, append(args, dataset+"@"+name)...)
	return err
}

func (z *ZFS) Clone(ctx context.Context, snapshot, target string, props map[string]string) error {
	if err := CheckDatasetName(snapshot); err != nil {
		return err
	}
	if err := CheckDatasetName(target); err != nil {
		return err
	}
	args := []string{"clone"}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := CheckName("property", k); err != nil {
			return err
		}
		args = append(args, "-o", k+"="+props[k])
	}
	_, err := z.spawner.Run(ctx, z.path, append(args, snapshot, target)...)
	return err
}

func (z *ZFS) Destroy(ctx context.Context, name string, recursive bool) error {
	if err := CheckDatasetName(name); err != nil {
		return err
	}
	args := []string{"destroy"}
	if recursive {
		args = append(args, "-r")
	}
	_, err := z.spawner.Run(ctx, z.path, append(args, name)...)
	return err
}

func (z *ZFS) Rollback(ctx context.Context, snapshot string, destroyNewer bool) error {
	if err := CheckDatasetName(snapshot); err != nil {
		return err
	}
	if !strings.Contains(snapshot, "@") {
		return fmt.Errorf("rollback target %q is not a snapshot", snapshot)
	}
	args := []string{"rollback"}
	if destroyNewer {
		args = append(args, "-r")
	}
	_, err := z.spawner.Run(ctx, z.path, append(args, snapshot)...)
	return err
}

func (z *ZFS) GetProperties(ctx context.Context, name string, props []string) (map[string]string, error) {
	if err := CheckDatasetName(name); err != nil {
		return nil, err
	}
	fields := "all"
	if len(props) > 0 {
		for _, p := range props {
			if err := CheckName("property", p); err != nil {
				return nil, err
			}
		}
		fields = strings.Join(props, ",")
	}
	res, err := z.spawner.Run(ctx, z.path, "get", "-H", "-p", "-o", "property,value", fields, name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		prop, value, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		out[prop] = value
	}
	return out, nil
}
