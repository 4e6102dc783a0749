package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/TFMV/clipbatch/internal/types"
	valkey "github.com/valkey-io/valkey-go"
)

// popBlockSeconds bounds each BLMOVE so cancellation is observed between attempts.
const popBlockSeconds = 2.0

// Queue is a durable FIFO with an in-flight list. Pop moves an item into the
// processing list and leases it; Ack removes it; Reclaim returns expired leases.
type Queue struct {
	client     valkey.Client
	name       string
	visibility time.Duration
}

func newQueue(client valkey.Client, name string, visibility time.Duration) *Queue {
	return &Queue{client: client, name: name, visibility: visibility}
}

func (q *Queue) queueKey() string      { return keyPrefix + q.name + ":queue" }
func (q *Queue) processingKey() string { return keyPrefix + q.name + ":processing" }
func (q *Queue) leasesKey() string     { return keyPrefix + q.name + ":leases" }
func (q *Queue) attemptsKey() string   { return keyPrefix + q.name + ":attempts" }
func (q *Queue) deadKey() string       { return keyPrefix + q.name + ":dead" }

// Name returns the queue's short name (e.g. "video" or "zip").
func (q *Queue) Name() string {
	return q.name
}

// Push appends a payload to the tail of the queue.
func (q *Queue) Push(ctx context.Context, payload string) error {
	cmd := q.client.B().Lpush().Key(q.queueKey()).Element(payload).Build()
	if err := q.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: push to %s: %v", types.ErrQueue, q.name, err)
	}
	return nil
}

// Pop blocks until an item is available or ctx is done. The item is moved into
// the processing list and leased for the queue's visibility timeout.
func (q *Queue) Pop(ctx context.Context) (types.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.Delivery{}, err
		}

		cmd := q.client.B().Blmove().
			Source(q.queueKey()).
			Destination(q.processingKey()).
			Right().
			Left().
			Timeout(popBlockSeconds).
			Build()
		payload, err := q.client.Do(ctx, cmd).ToString()
		if err != nil {
			if valkey.IsValkeyNil(err) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return types.Delivery{}, ctxErr
			}
			return types.Delivery{}, fmt.Errorf("%w: pop from %s: %v", types.ErrQueue, q.name, err)
		}

		attempt, err := q.lease(ctx, payload)
		if err != nil {
			// The item stays in processing without a lease; Reclaim will recover it.
			return types.Delivery{}, err
		}
		return types.Delivery{Payload: payload, Attempt: attempt}, nil
	}
}

func (q *Queue) lease(ctx context.Context, payload string) (int, error) {
	deadline := time.Now().Add(q.visibility).UnixMilli()
	results := q.client.DoMulti(ctx,
		q.client.B().Zadd().Key(q.leasesKey()).ScoreMember().ScoreMember(float64(deadline), payload).Build(),
		q.client.B().Hincrby().Key(q.attemptsKey()).Field(payload).Increment(1).Build(),
	)
	if err := results[0].Error(); err != nil {
		return 0, fmt.Errorf("%w: lease on %s: %v", types.ErrQueue, q.name, err)
	}
	attempt, err := results[1].AsInt64()
	if err != nil {
		return 0, fmt.Errorf("%w: count attempts on %s: %v", types.ErrQueue, q.name, err)
	}
	return int(attempt), nil
}

// Ack removes a delivered item from the processing list along with its lease.
// It returns ErrLeaseLost when the lease was reclaimed and the item redelivered or
// requeued; the current holder's entry is left untouched.
func (q *Queue) Ack(ctx context.Context, d types.Delivery) error {
	return q.settle(ctx, "ack", d, []string{q.processingKey(), q.leasesKey(), q.attemptsKey()})
}

// Bury moves a held delivery to the queue's dead-letter list, where it stays until Revive.
func (q *Queue) Bury(ctx context.Context, d types.Delivery) error {
	return q.settle(ctx, "bury", d, []string{q.processingKey(), q.leasesKey(), q.attemptsKey(), q.deadKey()})
}

func (q *Queue) settle(ctx context.Context, op string, d types.Delivery, keys []string) error {
	settled, err := ackScript.Exec(ctx, q.client, keys,
		[]string{d.Payload, strconv.Itoa(d.Attempt)},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("%w: %s on %s: %v", types.ErrQueue, op, q.name, err)
	}
	if settled == 0 {
		return fmt.Errorf("%s on %s attempt %d: %w", op, q.name, d.Attempt, types.ErrLeaseLost)
	}
	return nil
}

// Extend renews the lease of a delivery the caller still holds.
func (q *Queue) Extend(ctx context.Context, d types.Delivery) error {
	deadline := time.Now().Add(q.visibility).UnixMilli()
	extended, err := extendScript.Exec(ctx, q.client,
		[]string{q.leasesKey(), q.attemptsKey()},
		[]string{d.Payload, strconv.Itoa(d.Attempt), strconv.FormatInt(deadline, 10)},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("%w: extend on %s: %v", types.ErrQueue, q.name, err)
	}
	if extended == 0 {
		return fmt.Errorf("extend on %s attempt %d: %w", q.name, d.Attempt, types.ErrLeaseLost)
	}
	return nil
}

// Reclaim moves items whose lease expired before now back onto the queue and
// returns how many were moved.
func (q *Queue) Reclaim(ctx context.Context, now time.Time) (int, error) {
	moved, err := reclaimScript.Exec(ctx, q.client,
		[]string{q.queueKey(), q.processingKey(), q.leasesKey()},
		[]string{strconv.FormatInt(now.UnixMilli(), 10), strconv.FormatInt(q.visibility.Milliseconds(), 10)},
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("%w: reclaim on %s: %v", types.ErrQueue, q.name, err)
	}
	return int(moved), nil
}

// Requeue removes a payload from the processing list and pushes it back onto the queue.
// Operators use it to retry a stuck item without waiting for its lease.
func (q *Queue) Requeue(ctx context.Context, payload string) error {
	moved, err := requeueScript.Exec(ctx, q.client,
		[]string{q.queueKey(), q.processingKey(), q.leasesKey()},
		[]string{payload},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("%w: requeue on %s: %v", types.ErrQueue, q.name, err)
	}
	if moved == 0 {
		return fmt.Errorf("%q is not in flight on %s", payload, q.name)
	}
	return nil
}

// Revive returns every dead-lettered item to the queue and reports how many moved.
func (q *Queue) Revive(ctx context.Context) (int, error) {
	moved, err := reviveScript.Exec(ctx, q.client, []string{q.deadKey(), q.queueKey()}, nil).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("%w: revive on %s: %v", types.ErrQueue, q.name, err)
	}
	return int(moved), nil
}

// Dead lists the payloads in the dead-letter list.
func (q *Queue) Dead(ctx context.Context) ([]string, error) {
	items, err := q.client.Do(ctx, q.client.B().Lrange().Key(q.deadKey()).Start(0).Stop(-1).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("%w: list dead on %s: %v", types.ErrQueue, q.name, err)
	}
	return items, nil
}

// Depth returns the number of items waiting in the queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.Do(ctx, q.client.B().Llen().Key(q.queueKey()).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("%w: depth of %s: %v", types.ErrQueue, q.name, err)
	}
	return n, nil
}

// InFlight lists the payloads currently held in the processing list.
func (q *Queue) InFlight(ctx context.Context) ([]string, error) {
	items, err := q.client.Do(ctx, q.client.B().Lrange().Key(q.processingKey()).Start(0).Stop(-1).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("%w: list in-flight on %s: %v", types.ErrQueue, q.name, err)
	}
	return items, nil
}
