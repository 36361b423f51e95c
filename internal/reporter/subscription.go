package reporter

import (
	"context"

	"github.com/netly/cnagent/internal/task"
)

// Subscription delivers one task's messages: everything buffered so far,
// then live messages. C is closed after the terminal message or on Close.
type Subscription struct {
	C      <-chan task.Message
	cancel context.CancelFunc
}

func (s *Subscription) Close() { s.cancel() }

// Subscribe fails with task.ErrNotFound when id is neither live nor in
// history.
func (r *Reporter) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	rec, live := r.record(id)

	var history task.Instance
	if !live {
		inst, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		history = inst
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan task.Message, subscriptionBuffer)
	sub := &Subscription{C: ch, cancel: cancel}

	if live {
		go streamRecord(ctx, rec, ch)
	} else {
		go replay(ctx, history.Events, ch)
	}
	return sub, nil
}

func streamRecord(ctx context.Context, rec *task.Record, ch chan<- task.Message) {
	defer close(ch)

	from := 0
	for {
		msgs, changed, terminal := rec.Since(from)
		for _, msg := range msgs {
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
		from += len(msgs)
		if terminal {
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}

func replay(ctx context.Context, msgs []task.Message, ch chan<- task.Message) {
	defer close(ch)
	for _, msg := range msgs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return
		}
	}
}
