package reporter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/netly/cnagent/internal/task"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher is the part of a redis client the forwarder needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisForwarder publishes every message on <prefix>:<task id>.
type RedisForwarder struct {
	client  Publisher
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

type redisEnvelope struct {
	Type        string       `json:"type"`
	ResourceKey string       `json:"resource_key"`
	Message     task.Message `json:"message"`
}

func NewRedisForwarder(client Publisher, prefix string, timeout time.Duration, logger *zap.Logger) *RedisForwarder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisForwarder{client: client, prefix: prefix, timeout: timeout, logger: logger}
}

func (f *RedisForwarder) Channel(taskID string) string {
	return f.prefix + ":" + taskID
}

func (f *RedisForwarder) Forward(h task.Header, msg task.Message) {
	data, err := json.Marshal(redisEnvelope{Type: h.Type, ResourceKey: h.ResourceKey, Message: msg})
	if err != nil {
		f.logger.Warn("redis_forward_encode_failed", zap.String("task_id", h.ID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.client.Publish(ctx, f.Channel(h.ID), data).Err(); err != nil {
		f.logger.Warn("redis_forward_failed",
			zap.String("task_id", h.ID),
			zap.Int("seq", msg.Seq),
			zap.Error(err),
		)
	}
}
