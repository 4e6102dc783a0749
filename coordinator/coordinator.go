// Package coordinator provides the Valkey-backed batch registry and reliable queues
// that drive the clipbatch pipeline.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/TFMV/clipbatch/internal/logging"
	"github.com/TFMV/clipbatch/internal/types"
	valkey "github.com/valkey-io/valkey-go"
)

const (
	// keyPrefix is used for all keys in Valkey to avoid collisions with other applications
	keyPrefix = "clipbatch:"

	// batchKeyPrefix is the prefix for batch registry entries
	batchKeyPrefix = keyPrefix + "batch:"

	// JobQueueName names the transcode job queue.
	JobQueueName = "video"

	// ArchiveQueueName names the archive task queue.
	ArchiveQueueName = "zip"

	// defaultVisibilityTimeout is how long a delivered item stays leased before it may be reclaimed
	defaultVisibilityTimeout = 10 * time.Minute
)

// Config contains configuration options for the Coordinator
type Config struct {
	// ValKeyAddr is the address of the Valkey server
	ValKeyAddr string

	// ValKeyPassword is the password for the Valkey server (optional)
	ValKeyPassword string

	// ValKeyDB selects the logical database
	ValKeyDB int

	// JobVisibility is the lease length for transcode jobs
	JobVisibility time.Duration

	// ArchiveVisibility is the lease length for archive tasks
	ArchiveVisibility time.Duration

	// ReclaimInterval enables the background reclaim sweep when non-zero
	ReclaimInterval time.Duration

	// Logger receives coordinator diagnostics
	Logger *slog.Logger
}

// Coordinator manages batch state and both pipeline queues using Valkey
type Coordinator struct {
	client     valkey.Client
	cfg        Config
	logger     *slog.Logger
	jobs       *Queue
	archives   *Queue
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	reclaimMu  sync.Mutex
}

// New creates a new Coordinator with the given configuration
func New(cfg Config) (*Coordinator, error) {
	if cfg.ValKeyAddr == "" {
		cfg.ValKeyAddr = "localhost:6379"
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{cfg.ValKeyAddr},
		Password:     cfg.ValKeyPassword,
		SelectDB:     cfg.ValKeyDB,
		DisableCache: true,

		// The registry scripts span batch and queue keys, which live in different
		// cluster slots. Only standalone (or replicated primary) Valkey is supported.
		ForceSingleClient: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Valkey client: %w", err)
	}

	if err := client.Do(context.Background(), client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Valkey: %w", err)
	}

	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing Valkey client. The coordinator takes ownership of it.
func NewWithClient(client valkey.Client, cfg Config) *Coordinator {
	if cfg.JobVisibility <= 0 {
		cfg.JobVisibility = defaultVisibilityTimeout
	}
	if cfg.ArchiveVisibility <= 0 {
		cfg.ArchiveVisibility = defaultVisibilityTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	c := &Coordinator{
		client:     client,
		cfg:        cfg,
		logger:     logger.With(slog.String(logging.FieldComponent, "coordinator")),
		jobs:       newQueue(client, JobQueueName, cfg.JobVisibility),
		archives:   newQueue(client, ArchiveQueueName, cfg.ArchiveVisibility),
		shutdownCh: make(chan struct{}),
	}

	if cfg.ReclaimInterval > 0 {
		c.wg.Add(1)
		go c.reclaimLoop()
	}
	return c
}

// Ping checks that Valkey is reachable.
func (c *Coordinator) Ping(ctx context.Context) error {
	if err := c.client.Do(ctx, c.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("%w: ping: %v", types.ErrQueue, err)
	}
	return nil
}

// Jobs returns the transcode job queue.
func (c *Coordinator) Jobs() *Queue {
	return c.jobs
}

// Archives returns the archive task queue.
func (c *Coordinator) Archives() *Queue {
	return c.archives
}

func batchKey(batchID string) string    { return batchKeyPrefix + batchID }
func resultsKey(batchID string) string  { return batchKey(batchID) + ":results" }
func failuresKey(batchID string) string { return batchKey(batchID) + ":failures" }
func recordedKey(batchID string) string { return batchKey(batchID) + ":jobs" }

// Seed registers a new batch in the queued state and enqueues its jobs atomically.
// A batch with no jobs is rejected.
func (c *Coordinator) Seed(ctx context.Context, batchID string, jobs []types.Job) error {
	if len(jobs) == 0 {
		return fmt.Errorf("batch %s has no jobs", batchID)
	}

	args := make([]string, 0, len(jobs)+2)
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano), strconv.Itoa(len(jobs)))
	for _, job := range jobs {
		if job.BatchID != batchID {
			return fmt.Errorf("job %s belongs to batch %s, not %s", job.JobID, job.BatchID, batchID)
		}
		payload, err := job.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal job %s: %w", job.JobID, err)
		}
		args = append(args, string(payload))
	}

	created, err := seedScript.Exec(ctx, c.client, []string{batchKey(batchID), c.jobs.queueKey()}, args).AsInt64()
	if err != nil {
		return fmt.Errorf("%w: seed batch %s: %v", types.ErrQueue, batchID, err)
	}
	if created == 0 {
		return fmt.Errorf("batch %s already exists", batchID)
	}
	return nil
}

// RecordOutcome records a job's outcome against its batch. Recording the same job twice
// is a no-op. The call that accounts for the last job closes the batch and, when every
// job succeeded, enqueues the archive task in the same atomic step.
func (c *Coordinator) RecordOutcome(ctx context.Context, batchID, jobID string, outcome types.Outcome) (types.Transition, error) {
	kind, value := "ok", outcome.Reference
	if !outcome.OK() {
		kind, value = "fail", outcome.Reason
	}

	reply, err := recordScript.Exec(ctx, c.client,
		[]string{batchKey(batchID), resultsKey(batchID), failuresKey(batchID), recordedKey(batchID), c.archives.queueKey()},
		[]string{jobID, kind, value, batchID},
	).ToArray()
	if err != nil {
		return types.Transition{}, fmt.Errorf("%w: record outcome for batch %s: %v", types.ErrQueue, batchID, err)
	}
	if len(reply) != 2 {
		return types.Transition{}, fmt.Errorf("unexpected record reply length %d for batch %s", len(reply), batchID)
	}

	code, err := reply[0].AsInt64()
	if err != nil {
		return types.Transition{}, fmt.Errorf("failed to parse record reply for batch %s: %w", batchID, err)
	}
	if code < 0 {
		return types.Transition{}, fmt.Errorf("batch %s: %w", batchID, types.ErrBatchNotFound)
	}
	status, _ := reply[1].ToString()

	return types.Transition{
		Duplicate: code == 0,
		Closed:    code == 2,
		Status:    types.BatchStatus(status),
	}, nil
}

// Snapshot retrieves a consistent view of a batch
func (c *Coordinator) Snapshot(ctx context.Context, batchID string) (*types.Batch, error) {
	reply, err := snapshotScript.Exec(ctx, c.client,
		[]string{batchKey(batchID), resultsKey(batchID), failuresKey(batchID)},
		nil,
	).ToArray()
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot batch %s: %v", types.ErrQueue, batchID, err)
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("batch %s: %w", batchID, types.ErrBatchNotFound)
	}
	if len(reply) != 3 {
		return nil, fmt.Errorf("unexpected snapshot reply length %d for batch %s", len(reply), batchID)
	}

	flat, err := reply[0].AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to parse fields of batch %s: %w", batchID, err)
	}
	results, err := reply[1].AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to parse results of batch %s: %w", batchID, err)
	}
	failures, err := reply[2].AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to parse failures of batch %s: %w", batchID, err)
	}

	return decodeBatch(batchID, pairs(flat), results, failures), nil
}

// SetArchive stores the archive reference of a done batch. It fails with
// types.ErrArchiveAlreadySet when another archiver got there first.
func (c *Coordinator) SetArchive(ctx context.Context, batchID, reference string) error {
	code, err := setArchiveScript.Exec(ctx, c.client, []string{batchKey(batchID)}, []string{reference}).AsInt64()
	if err != nil {
		return fmt.Errorf("%w: set archive for batch %s: %v", types.ErrQueue, batchID, err)
	}
	switch code {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("batch %s: %w", batchID, types.ErrArchiveAlreadySet)
	case -1:
		return fmt.Errorf("batch %s: %w", batchID, types.ErrBatchNotFound)
	default:
		return fmt.Errorf("batch %s: %w", batchID, types.ErrBatchNotDone)
	}
}

// Reclaim runs one sweep over both queues and returns the number of items moved back.
func (c *Coordinator) Reclaim(ctx context.Context) (int, error) {
	c.reclaimMu.Lock()
	defer c.reclaimMu.Unlock()

	now := time.Now()
	total := 0
	var errs []error
	for _, q := range []*Queue{c.jobs, c.archives} {
		moved, err := q.Reclaim(ctx, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if moved > 0 {
			c.logger.Warn("reclaimed expired deliveries", slog.String("queue", q.Name()), slog.Int("count", moved))
		}
		total += moved
	}
	return total, errors.Join(errs...)
}

// reclaimLoop runs in the background and periodically returns expired deliveries to their queues
func (c *Coordinator) reclaimLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.Reclaim(context.Background()); err != nil {
				c.logger.Error("reclaim sweep failed", logging.Error(err))
			}
		case <-c.shutdownCh:
			return
		}
	}
}

// Shutdown gracefully shuts down the coordinator
func (c *Coordinator) Shutdown(ctx context.Context) error {
	close(c.shutdownCh)

	waitCh := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	case <-waitCh:
	}

	c.client.Close()
	return nil
}

func pairs(flat []string) map[string]string {
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}
	return fields
}

func decodeBatch(batchID string, fields map[string]string, results, failures []string) *types.Batch {
	batch := &types.Batch{
		BatchID:          batchID,
		Status:           types.BatchStatus(fields["status"]),
		Expected:         atoi(fields["expected"]),
		Completed:        atoi(fields["completed"]),
		Failed:           atoi(fields["failed"]),
		Results:          results,
		Failures:         failures,
		ArchiveReference: fields["archiveReference"],
	}
	if batch.Results == nil {
		batch.Results = []string{}
	}
	if batch.Failures == nil {
		batch.Failures = []string{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["createdAt"]); err == nil {
		batch.CreatedAt = ts
	}
	return batch
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
