// Package reporter fans task messages out to subscribers and forwarders and
// retires terminal instances into the history store.
package reporter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/netly/cnagent/internal/store"
	"github.com/netly/cnagent/internal/task"
	"go.uber.org/zap"
)

const (
	subscriptionBuffer = 64
	archiveTimeout     = 5 * time.Second
)

// Forwarder receives every message of every tracked task. Calls for one task
// are sequential and in log order.
type Forwarder interface {
	Forward(h task.Header, msg task.Message)
}

type ForwarderFunc func(h task.Header, msg task.Message)

func (f ForwarderFunc) Forward(h task.Header, msg task.Message) { f(h, msg) }

type Options struct {
	Store      store.Store
	Logger     *zap.Logger
	Forwarders []Forwarder
}

type Reporter struct {
	mu         sync.RWMutex
	live       map[string]*task.Record
	forwarders []Forwarder

	store  store.Store
	logger *zap.Logger
	wg     sync.WaitGroup
}

func New(opts Options) *Reporter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemory(0)
	}
	return &Reporter{
		live:       make(map[string]*task.Record),
		forwarders: append([]Forwarder(nil), opts.Forwarders...),
		store:      st,
		logger:     logger,
	}
}

// AddForwarder applies to tasks tracked after the call.
func (r *Reporter) AddForwarder(f Forwarder) {
	r.mu.Lock()
	r.forwarders = append(r.forwarders, f)
	r.mu.Unlock()
}

// Track starts streaming rec. It fails with task.ErrDuplicateRequest when a
// live record with the same id exists.
func (r *Reporter) Track(rec *task.Record) error {
	r.mu.Lock()
	if _, exists := r.live[rec.ID()]; exists {
		r.mu.Unlock()
		return task.ErrDuplicateRequest
	}
	r.live[rec.ID()] = rec
	forwarders := append([]Forwarder(nil), r.forwarders...)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.pump(rec, forwarders)
	return nil
}

// Known reports whether id is live or in history.
func (r *Reporter) Known(ctx context.Context, id string) bool {
	if _, ok := r.record(id); ok {
		return true
	}
	_, err := r.store.Get(ctx, id)
	return err == nil
}

func (r *Reporter) pump(rec *task.Record, forwarders []Forwarder) {
	defer r.wg.Done()

	from := 0
	for {
		msgs, changed, terminal := rec.Since(from)
		if len(msgs) > 0 {
			header := rec.Header()
			for _, msg := range msgs {
				for _, f := range forwarders {
					r.forward(f, header, msg)
				}
			}
			from += len(msgs)
		}
		if terminal {
			r.archive(rec)
			return
		}
		<-changed
	}
}

func (r *Reporter) forward(f Forwarder, h task.Header, msg task.Message) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("forwarder_panic", zap.String("task_id", h.ID), zap.Any("panic", p))
		}
	}()
	f.Forward(h, msg)
}

// archive moves a terminal record into history. On a store failure the
// record stays live so it can still be queried.
func (r *Reporter) archive(rec *task.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	inst := rec.Snapshot()
	if err := r.store.Save(ctx, inst); err != nil {
		r.logger.Error("task_archive_failed", zap.String("task_id", inst.ID), zap.Error(err))
		return
	}
	r.mu.Lock()
	delete(r.live, inst.ID)
	r.mu.Unlock()
}

func (r *Reporter) record(id string) (*task.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.live[id]
	return rec, ok
}

// Get returns a snapshot from live state, falling back to history.
func (r *Reporter) Get(ctx context.Context, id string) (task.Instance, error) {
	if rec, ok := r.record(id); ok {
		return rec.Snapshot(), nil
	}
	return r.store.Get(ctx, id)
}

// List returns live and historical instances, newest first.
func (r *Reporter) List(ctx context.Context, limit int) ([]task.Instance, error) {
	r.mu.RLock()
	out := make([]task.Instance, 0, len(r.live))
	seen := make(map[string]struct{}, len(r.live))
	for id, rec := range r.live {
		out = append(out, rec.Snapshot())
		seen[id] = struct{}{}
	}
	r.mu.RUnlock()

	history, err := r.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, inst := range history {
		if _, dup := seen[inst.ID]; !dup {
			out = append(out, inst)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Live returns the number of tracked, not yet archived tasks.
func (r *Reporter) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Wait blocks until id is terminal and returns its final snapshot.
func (r *Reporter) Wait(ctx context.Context, id string) (task.Instance, error) {
	rec, ok := r.record(id)
	if !ok {
		return r.store.Get(ctx, id)
	}
	for {
		changed, terminal := rec.Watch()
		if terminal {
			return rec.Snapshot(), nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return task.Instance{}, ctx.Err()
		}
	}
}

// Close waits for every pump to deliver its terminal message.
func (r *Reporter) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
