// Package transport provides the named point-to-point queues stages and the coordinator
// exchange messages over. Delivery is at-most-once: a message is gone from its queue as
// soon as TryReceive returns it.
package transport

import (
	"context"
	"errors"
	"runtime"
	"time"

	"golang.org/x/time/rate"
)

// DEFAULT_POLL_INTERVAL paces idle loops that were not given a poller.
const DEFAULT_POLL_INTERVAL = time.Millisecond

var ErrClosed = errors.New("transport is closed")

type Transport interface {
	Send(ctx context.Context, queue string, body []byte) error
	// TryReceive never blocks waiting for a message; ok is false when the queue is empty.
	TryReceive(ctx context.Context, queue string) (body []byte, ok bool, err error)
	// Purge deletes every queue whose name matches.
	Purge(ctx context.Context, match func(queue string) bool) error
	Close() error
}

// Poller paces loops that found nothing to do on any of their queues. A zero
// interval only yields the processor.
type Poller struct {
	limiter *rate.Limiter
}

func NewPoller(interval time.Duration) *Poller {
	if interval <= 0 {
		return &Poller{}
	}
	return &Poller{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (p *Poller) Idle(ctx context.Context) error {
	if p.limiter == nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
		return nil
	}
	return p.limiter.Wait(ctx)
}
