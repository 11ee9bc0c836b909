package transport

import (
	"context"
	"sync"
)

// MemoryTransport is an in-process Transport used by the simulation and by tests.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[string][][]byte
	closed bool
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{queues: make(map[string][][]byte)}
}

func (t *MemoryTransport) Send(ctx context.Context, queue string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	t.queues[queue] = append(t.queues[queue], append([]byte(nil), body...))
	return nil
}

func (t *MemoryTransport) TryReceive(ctx context.Context, queue string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, false, ErrClosed
	}
	pending := t.queues[queue]
	if len(pending) == 0 {
		return nil, false, nil
	}
	body := pending[0]
	pending[0] = nil
	t.queues[queue] = pending[1:]
	return body, true, nil
}

func (t *MemoryTransport) Purge(ctx context.Context, match func(queue string) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	for queue := range t.queues {
		if match(queue) {
			delete(t.queues, queue)
		}
	}
	return nil
}

// Len reports how many messages wait on a queue.
func (t *MemoryTransport) Len(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[queue])
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
