package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/TFMV/clipbatch/internal/logging"
	"github.com/TFMV/clipbatch/internal/types"
)

// Queue is the consumer side of a reliable queue. Ack, Extend and Bury return
// types.ErrLeaseLost once the delivery has been reclaimed for another consumer.
type Queue interface {
	Pop(ctx context.Context) (types.Delivery, error)
	Ack(ctx context.Context, d types.Delivery) error
	Extend(ctx context.Context, d types.Delivery) error
	Bury(ctx context.Context, d types.Delivery) error
}

// holdLease renews d's lease every interval until the returned stop is called.
// A zero interval disables renewal.
func holdLease(q Queue, d types.Delivery, interval time.Duration, logger *slog.Logger) (stop func()) {
	if interval <= 0 {
		return func() {}
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	var heartbeatWg sync.WaitGroup
	heartbeatWg.Add(1)

	go func() {
		defer heartbeatWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				err := q.Extend(heartbeatCtx, d)
				switch {
				case err == nil:
				case errors.Is(err, types.ErrLeaseLost):
					logger.Warn("lease lost while processing", slog.Int("attempt", d.Attempt))
					return
				case heartbeatCtx.Err() != nil:
					return
				default:
					logger.Warn("failed to renew lease", logging.Error(err))
				}
			}
		}
	}()

	return func() {
		cancelHeartbeat()
		heartbeatWg.Wait()
	}
}

// ack settles d. A lost lease means the item was already handed to another
// consumer, so it is logged rather than retried.
func ack(ctx context.Context, q Queue, d types.Delivery, logger *slog.Logger) error {
	err := q.Ack(ctx, d)
	if errors.Is(err, types.ErrLeaseLost) {
		logger.Warn("delivery was reclaimed before ack", slog.Int("attempt", d.Attempt))
		return nil
	}
	return err
}
