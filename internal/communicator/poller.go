package communicator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/netly/cnagent/internal/stats"
	"github.com/netly/cnagent/internal/task"
	"go.uber.org/zap"
)

const reportTimeout = 10 * time.Second

// Submitter admits task requests.
type Submitter interface {
	Submit(ctx context.Context, req task.Request) (task.Instance, error)
}

// StatsSource samples host statistics for heartbeats.
type StatsSource interface {
	Collect(ctx context.Context) (*stats.SystemStats, error)
}

type PollerOptions struct {
	Client    *Client
	Stats     StatsSource
	Submitter Submitter
	// Live reports the number of tasks still in memory.
	Live     func() int
	Interval time.Duration
	Logger   *zap.Logger
}

// Poller sends heartbeats, submits the commands they return and reports
// every message of those tasks back upstream. It is registered with the
// reporter as a Forwarder.
type Poller struct {
	client    *Client
	stats     StatsSource
	submitter Submitter
	live      func() int
	interval  time.Duration
	logger    *zap.Logger

	mu        sync.Mutex
	commanded map[string]struct{}
}

func NewPoller(opts PollerOptions) *Poller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	live := opts.Live
	if live == nil {
		live = func() int { return 0 }
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		client:    opts.Client,
		stats:     opts.Stats,
		submitter: opts.Submitter,
		live:      live,
		interval:  interval,
		logger:    logger,
		commanded: make(map[string]struct{}),
	}
}

// Run sends a heartbeat immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("heartbeat loop started", zap.Duration("interval", p.interval))
	for {
		if next := p.Beat(ctx); next > 0 && next != p.interval {
			p.logger.Info("heartbeat_interval_changed", zap.Duration("from", p.interval), zap.Duration("to", next))
			p.interval = next
			ticker.Reset(next)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("heartbeat loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Beat runs one heartbeat round. A failed round is logged and retried on
// the next tick. It returns the interval requested by the job server, or 0.
func (p *Poller) Beat(ctx context.Context) time.Duration {
	systemStats, err := p.stats.Collect(ctx)
	if err != nil {
		p.logger.Warn("heartbeat_stats_failed", zap.Error(err))
		return 0
	}

	resp, err := p.client.SendHeartbeat(ctx, systemStats, p.live())
	if err != nil {
		return 0
	}

	if len(resp.Commands) > 0 {
		p.logger.Info("heartbeat_commands_received", zap.Int("count", len(resp.Commands)))
	}
	for _, cmd := range resp.Commands {
		p.submit(ctx, cmd)
	}

	if resp.Config != nil && resp.Config.HeartbeatInterval > 0 {
		return time.Duration(resp.Config.HeartbeatInterval) * time.Second
	}
	return 0
}

func (p *Poller) submit(ctx context.Context, cmd Command) {
	// Commands without an id cannot be correlated upstream.
	if cmd.ID == "" {
		p.logger.Warn("heartbeat_command_without_id", zap.String("type", cmd.Type))
		return
	}

	p.mu.Lock()
	if _, dup := p.commanded[cmd.ID]; dup {
		p.mu.Unlock()
		return
	}
	p.commanded[cmd.ID] = struct{}{}
	p.mu.Unlock()

	inst, err := p.submitter.Submit(ctx, cmd)
	if err != nil {
		p.forget(cmd.ID)
		if errors.Is(err, task.ErrDuplicateRequest) {
			p.logger.Debug("command_already_known", zap.String("task_id", cmd.ID))
			return
		}
		p.logger.Warn("command_submit_failed", zap.String("task_id", cmd.ID), zap.String("type", cmd.Type), zap.Error(err))
		return
	}
	p.logger.Info("command_submitted",
		zap.String("task_id", inst.ID),
		zap.String("type", inst.Type),
		zap.String("state", string(inst.State)),
	)
}

func (p *Poller) forget(id string) {
	p.mu.Lock()
	delete(p.commanded, id)
	p.mu.Unlock()
}

func (p *Poller) isCommanded(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.commanded[id]
	return ok
}

// Forward reports messages of commanded tasks upstream. Tasks submitted
// locally are ignored.
func (p *Poller) Forward(h task.Header, msg task.Message) {
	if !p.isCommanded(h.ID) {
		return
	}
	if msg.Terminal() {
		defer p.forget(h.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := p.client.ReportEvent(ctx, h, msg); err != nil {
		p.logger.Warn("task_event_report_failed",
			zap.String("task_id", h.ID),
			zap.Int("seq", msg.Seq),
			zap.String("event", string(msg.Event)),
			zap.Error(err),
		)
	}
}
