// Package testsupport holds in-memory stand-ins for the Valkey registry, the reliable
// queues, the blob store, and the transcoder. They keep the same observable semantics
// so pipeline tests run without external services.
package testsupport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TFMV/clipbatch/internal/types"
)

type inflight struct {
	payload  string
	deadline time.Time
}

// MemoryQueue is a reliable FIFO with a processing list and leases.
type MemoryQueue struct {
	mu         sync.Mutex
	name       string
	visibility time.Duration
	items      []string
	processing []inflight
	dead       []string
	attempts   map[string]int
	ready      chan struct{}
	acked      int
}

// NewMemoryQueue creates an empty queue whose deliveries lease for visibility.
func NewMemoryQueue(name string, visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = time.Minute
	}
	return &MemoryQueue{
		name:       name,
		visibility: visibility,
		attempts:   make(map[string]int),
		ready:      make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *MemoryQueue) Name() string { return q.name }

// Push appends payload and wakes blocked consumers.
func (q *MemoryQueue) Push(_ context.Context, payload string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushLocked(payload)
	return nil
}

func (q *MemoryQueue) pushLocked(payload string) {
	q.items = append(q.items, payload)
	close(q.ready)
	q.ready = make(chan struct{})
}

// Pop blocks until an item is available or ctx is done.
func (q *MemoryQueue) Pop(ctx context.Context) (types.Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			payload := q.items[0]
			q.items = q.items[1:]
			q.processing = append(q.processing, inflight{payload: payload, deadline: time.Now().Add(q.visibility)})
			q.attempts[payload]++
			d := types.Delivery{Payload: payload, Attempt: q.attempts[payload]}
			q.mu.Unlock()
			return d, nil
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.Delivery{}, ctx.Err()
		case <-ready:
		}
	}
}

// Ack drops a delivery from the processing list. A delivery whose lease was reclaimed
// returns ErrLeaseLost and leaves the current holder's entry in place.
func (q *MemoryQueue) Ack(_ context.Context, d types.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.settleLocked(d); err != nil {
		return err
	}
	q.acked++
	return nil
}

// Bury moves a held delivery to the dead-letter list.
func (q *MemoryQueue) Bury(_ context.Context, d types.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.settleLocked(d); err != nil {
		return err
	}
	q.dead = append(q.dead, d.Payload)
	return nil
}

func (q *MemoryQueue) settleLocked(d types.Delivery) error {
	i := q.heldLocked(d)
	if i < 0 {
		return fmt.Errorf("settle on %s attempt %d: %w", q.name, d.Attempt, types.ErrLeaseLost)
	}
	q.processing = append(q.processing[:i], q.processing[i+1:]...)
	delete(q.attempts, d.Payload)
	return nil
}

// heldLocked returns the processing index of d while its holder still owns it, or -1.
func (q *MemoryQueue) heldLocked(d types.Delivery) int {
	if q.attempts[d.Payload] != d.Attempt {
		return -1
	}
	for i, item := range q.processing {
		if item.payload == d.Payload {
			return i
		}
	}
	return -1
}

// Extend renews the lease of a held delivery.
func (q *MemoryQueue) Extend(_ context.Context, d types.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.heldLocked(d)
	if i < 0 {
		return fmt.Errorf("extend on %s attempt %d: %w", q.name, d.Attempt, types.ErrLeaseLost)
	}
	q.processing[i].deadline = time.Now().Add(q.visibility)
	return nil
}

// Requeue moves an in-flight payload back onto the queue, keeping its attempt count.
func (q *MemoryQueue) Requeue(_ context.Context, payload string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.processing {
		if item.payload == payload {
			q.processing = append(q.processing[:i], q.processing[i+1:]...)
			q.pushLocked(payload)
			return nil
		}
	}
	return fmt.Errorf("%q is not in flight on %s", payload, q.name)
}

// Dead returns a copy of the dead-letter list.
func (q *MemoryQueue) Dead(context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.dead...), nil
}

// Reclaim returns deliveries whose lease expired before now to the queue.
func (q *MemoryQueue) Reclaim(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.processing[:0]
	moved := 0
	for _, item := range q.processing {
		if item.deadline.Before(now) {
			q.pushLocked(item.payload)
			moved++
			continue
		}
		kept = append(kept, item)
	}
	q.processing = kept
	return moved, nil
}

// Depth returns the number of waiting items.
func (q *MemoryQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// InFlight lists payloads that were delivered but not acknowledged.
func (q *MemoryQueue) InFlight(context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.processing))
	for _, item := range q.processing {
		out = append(out, item.payload)
	}
	return out, nil
}

// Items returns a copy of the waiting payloads, oldest first.
func (q *MemoryQueue) Items() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.items...)
}

// Acked reports how many deliveries were acknowledged.
func (q *MemoryQueue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}
