// Package store keeps terminal task instances after their live record is
// retired.
package store

import (
	"context"
	"time"

	"github.com/netly/cnagent/internal/task"
)

type Store interface {
	Save(ctx context.Context, inst task.Instance) error
	// Get returns task.ErrNotFound when id is unknown.
	Get(ctx context.Context, id string) (task.Instance, error)
	// List returns up to limit instances, newest first.
	List(ctx context.Context, limit int) ([]task.Instance, error)
	// CleanupOld removes instances created before now minus olderThan.
	CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error)
}
