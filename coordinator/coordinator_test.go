package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/TFMV/clipbatch/internal/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	valkey "github.com/valkey-io/valkey-go"
)

func TestDecodeBatch(t *testing.T) {
	fields := pairs([]string{
		"status", "done",
		"expected", "3",
		"completed", "3",
		"failed", "0",
		"archiveReference", "http://minio:9000/clips/zips/b1/a.zip",
		"createdAt", "2026-01-02T03:04:05Z",
	})
	batch := decodeBatch("b1", fields, []string{"r1", "r2", "r3"}, nil)

	if batch.Status != types.BatchStatusDone {
		t.Fatalf("status = %q", batch.Status)
	}
	if batch.Expected != 3 || batch.Completed != 3 || batch.Failed != 0 {
		t.Fatalf("unexpected counters %+v", batch)
	}
	if len(batch.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(batch.Results))
	}
	if batch.Failures == nil {
		t.Fatal("failures should be an empty slice, not nil")
	}
	if batch.CreatedAt.IsZero() {
		t.Fatal("expected createdAt to be parsed")
	}
}

func TestPairsIgnoresDanglingField(t *testing.T) {
	fields := pairs([]string{"status", "queued", "expected"})
	if len(fields) != 1 || fields["status"] != "queued" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

// newTestCoordinator runs against an in-process miniredis server, or against the Valkey
// server named by CLIPBATCH_TEST_VALKEY when it is set.
func newTestCoordinator(t *testing.T, visibility time.Duration) *Coordinator {
	t.Helper()
	cfg := Config{JobVisibility: visibility, ArchiveVisibility: visibility}

	addr := os.Getenv("CLIPBATCH_TEST_VALKEY")
	if addr == "" {
		mr := miniredis.RunT(t)
		client, err := valkey.NewClient(valkey.ClientOption{
			InitAddress:       []string{mr.Addr()},
			DisableCache:      true,
			ForceSingleClient: true,
		})
		if err != nil {
			t.Fatalf("valkey client: %v", err)
		}
		c := NewWithClient(client, cfg)
		t.Cleanup(func() {
			_ = c.Shutdown(context.Background())
		})
		return c
	}

	cfg.ValKeyAddr = addr
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.client.Do(ctx, c.client.B().Flushdb().Build())
		_ = c.Shutdown(ctx)
	})
	ctx := context.Background()
	if err := c.client.Do(ctx, c.client.B().Flushdb().Build()).Error(); err != nil {
		t.Fatalf("flushdb: %v", err)
	}
	return c
}

func seedBatch(t *testing.T, c *Coordinator, n int) (string, []types.Job) {
	t.Helper()
	batchID := uuid.NewString()
	jobs := make([]types.Job, n)
	for i := range jobs {
		jobs[i] = types.Job{
			JobID:     uuid.NewString(),
			BatchID:   batchID,
			SourceKey: fmt.Sprintf("uploads/%s/clip-%d.mp4", batchID, i),
			Start:     5,
			End:       10,
		}
	}
	if err := c.Seed(context.Background(), batchID, jobs); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return batchID, jobs
}

func TestValkeyConcurrentCompletionEnqueuesArchiveOnce(t *testing.T) {
	c := newTestCoordinator(t, time.Minute)
	ctx := context.Background()
	batchID, jobs := seedBatch(t, c, 8)

	var wg sync.WaitGroup
	var mu sync.Mutex
	closed := 0
	for _, job := range jobs {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(job types.Job) {
				defer wg.Done()
				tr, err := c.RecordOutcome(ctx, batchID, job.JobID, types.Success("ref-"+job.JobID))
				if err != nil {
					t.Errorf("RecordOutcome: %v", err)
					return
				}
				if tr.Closed {
					mu.Lock()
					closed++
					mu.Unlock()
				}
			}(job)
		}
	}
	wg.Wait()

	if closed != 1 {
		t.Fatalf("expected exactly one closing call, got %d", closed)
	}
	depth, err := c.Archives().Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected one archive task, got %d", depth)
	}
	snap, err := c.Snapshot(ctx, batchID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != types.BatchStatusDone || len(snap.Results) != len(jobs) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestValkeyFailedJobClosesAsFailedPartial(t *testing.T) {
	c := newTestCoordinator(t, time.Minute)
	ctx := context.Background()
	batchID, jobs := seedBatch(t, c, 1)

	tr, err := c.RecordOutcome(ctx, batchID, jobs[0].JobID, types.Failure("ffmpeg exited 1"))
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if !tr.Closed || tr.Status != types.BatchStatusFailedPartial {
		t.Fatalf("unexpected transition %+v", tr)
	}
	if depth, _ := c.Archives().Depth(ctx); depth != 0 {
		t.Fatalf("failed batch must not be archived, queue depth %d", depth)
	}
	if err := c.SetArchive(ctx, batchID, "ref"); !errors.Is(err, types.ErrBatchNotDone) {
		t.Fatalf("expected ErrBatchNotDone, got %v", err)
	}
}

func TestValkeySetArchiveOnce(t *testing.T) {
	c := newTestCoordinator(t, time.Minute)
	ctx := context.Background()
	batchID, jobs := seedBatch(t, c, 1)
	if _, err := c.RecordOutcome(ctx, batchID, jobs[0].JobID, types.Success("ref")); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := c.SetArchive(ctx, batchID, "zip-1"); err != nil {
		t.Fatalf("SetArchive: %v", err)
	}
	if err := c.SetArchive(ctx, batchID, "zip-2"); !errors.Is(err, types.ErrArchiveAlreadySet) {
		t.Fatalf("expected ErrArchiveAlreadySet, got %v", err)
	}
	snap, err := c.Snapshot(ctx, batchID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.ArchiveReference != "zip-1" {
		t.Fatalf("archive reference = %q", snap.ArchiveReference)
	}
}

func TestValkeyQueueLeaseAndReclaim(t *testing.T) {
	c := newTestCoordinator(t, 50*time.Millisecond)
	ctx := context.Background()
	q := c.Jobs()

	if err := q.Push(ctx, "a"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push(ctx, "b"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	first, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if first.Payload != "a" || first.Attempt != 1 {
		t.Fatalf("expected FIFO delivery of a on attempt 1, got %+v", first)
	}
	second, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if err := q.Ack(ctx, second); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	moved, err := q.Reclaim(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected one reclaimed item, got %d", moved)
	}

	again, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if again.Payload != "a" || again.Attempt != 2 {
		t.Fatalf("expected redelivery of a on attempt 2, got %+v", again)
	}
}

func TestValkeyUnknownBatch(t *testing.T) {
	c := newTestCoordinator(t, time.Minute)
	ctx := context.Background()
	if _, err := c.Snapshot(ctx, "missing"); !errors.Is(err, types.ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}
	if _, err := c.RecordOutcome(ctx, "missing", "j", types.Success("r")); !errors.Is(err, types.ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestValkeySeedIsAtomicAndOnce(t *testing.T) {
	c := newTestCoordinator(t, time.Minute)
	ctx := context.Background()
	batchID, jobs := seedBatch(t, c, 3)

	if depth, _ := c.Jobs().Depth(ctx); depth != 3 {
		t.Fatalf("job queue depth = %d, want 3", depth)
	}
	if err := c.Seed(ctx, batchID, jobs); err == nil {
		t.Fatal("expected reseeding an existing batch to fail")
	}
	if depth, _ := c.Jobs().Depth(ctx); depth != 3 {
		t.Fatalf("reseed must not enqueue, depth = %d", depth)
	}
	snap, err := c.Snapshot(ctx, batchID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != types.BatchStatusQueued || snap.Expected != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestValkeyStaleAckKeepsRedeliveryInFlight(t *testing.T) {
	c := newTestCoordinator(t, 50*time.Millisecond)
	ctx := context.Background()
	q := c.Jobs()

	if err := q.Push(ctx, "job-1"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	first, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if moved, err := q.Reclaim(ctx, time.Now().Add(time.Second)); err != nil || moved != 1 {
		t.Fatalf("Reclaim = %d, %v; want 1", moved, err)
	}
	second, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if second.Attempt != first.Attempt+1 {
		t.Fatalf("redelivery attempt = %d, want %d", second.Attempt, first.Attempt+1)
	}

	if err := q.Ack(ctx, first); !errors.Is(err, types.ErrLeaseLost) {
		t.Fatalf("stale Ack = %v, want ErrLeaseLost", err)
	}
	if err := q.Extend(ctx, first); !errors.Is(err, types.ErrLeaseLost) {
		t.Fatalf("stale Extend = %v, want ErrLeaseLost", err)
	}
	inflight, err := q.InFlight(ctx)
	if err != nil {
		t.Fatalf("InFlight: %v", err)
	}
	if len(inflight) != 1 || inflight[0] != "job-1" {
		t.Fatalf("second delivery must stay in flight, got %v", inflight)
	}

	// The second holder crashes; its lease still expires and the job comes back.
	if moved, err := q.Reclaim(ctx, time.Now().Add(time.Second)); err != nil || moved != 1 {
		t.Fatalf("Reclaim after crash = %d, %v; want 1", moved, err)
	}
	third, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if err := q.Ack(ctx, third); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if inflight, _ := q.InFlight(ctx); len(inflight) != 0 {
		t.Fatalf("expected nothing in flight, got %v", inflight)
	}
}

func TestValkeyAckAfterReclaimBeforeRedelivery(t *testing.T) {
	c := newTestCoordinator(t, 50*time.Millisecond)
	ctx := context.Background()
	q := c.Archives()

	if err := q.Push(ctx, "batch-1"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	d, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if _, err := q.Reclaim(ctx, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if err := q.Ack(ctx, d); !errors.Is(err, types.ErrLeaseLost) {
		t.Fatalf("Ack = %v, want ErrLeaseLost", err)
	}
	again, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if again.Payload != "batch-1" || again.Attempt != 2 {
		t.Fatalf("expected batch-1 on attempt 2, got %+v", again)
	}
}

func TestValkeyExtendDefersReclaim(t *testing.T) {
	c := newTestCoordinator(t, 2*time.Second)
	ctx := context.Background()
	q := c.Jobs()

	if err := q.Push(ctx, "job-1"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	d, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := q.Extend(ctx, d); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	// Past the original deadline but within the renewed one.
	if moved, err := q.Reclaim(ctx, time.Now().Add(1850*time.Millisecond)); err != nil || moved != 0 {
		t.Fatalf("Reclaim = %d, %v; want 0", moved, err)
	}
	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestValkeyRequeueInvalidatesHolder(t *testing.T) {
	c := newTestCoordinator(t, time.Minute)
	ctx := context.Background()
	q := c.Jobs()

	if err := q.Push(ctx, "job-1"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	d, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if err := q.Requeue(ctx, "job-1"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if err := q.Requeue(ctx, "job-1"); err == nil {
		t.Fatal("expected requeue of an item no longer in flight to fail")
	}
	if err := q.Ack(ctx, d); !errors.Is(err, types.ErrLeaseLost) {
		t.Fatalf("Ack after requeue = %v, want ErrLeaseLost", err)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}
}

func TestValkeyBuryAndRevive(t *testing.T) {
	c := newTestCoordinator(t, time.Minute)
	ctx := context.Background()
	q := c.Archives()

	if err := q.Push(ctx, "batch-1"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	d, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if err := q.Bury(ctx, d); err != nil {
		t.Fatalf("Bury: %v", err)
	}
	dead, err := q.Dead(ctx)
	if err != nil {
		t.Fatalf("Dead: %v", err)
	}
	if len(dead) != 1 || dead[0] != "batch-1" {
		t.Fatalf("dead = %v", dead)
	}
	if inflight, _ := q.InFlight(ctx); len(inflight) != 0 {
		t.Fatalf("buried task still in flight: %v", inflight)
	}
	if moved, _ := q.Reclaim(ctx, time.Now().Add(time.Hour)); moved != 0 {
		t.Fatalf("buried task must not be reclaimed, moved %d", moved)
	}

	revived, err := q.Revive(ctx)
	if err != nil || revived != 1 {
		t.Fatalf("Revive = %d, %v; want 1", revived, err)
	}
	again, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if again.Payload != "batch-1" || again.Attempt != 1 {
		t.Fatalf("revived task should start over, got %+v", again)
	}
}
