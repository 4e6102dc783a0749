package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/TFMV/clipbatch/internal/blobstore"
	"github.com/TFMV/clipbatch/internal/logging"
	"github.com/TFMV/clipbatch/internal/transcode"
	"github.com/TFMV/clipbatch/internal/types"
)

// ReasonAttemptsExhausted is recorded for a job delivered more than MaxDeliveries times.
const ReasonAttemptsExhausted = "delivery attempts exhausted"

// OutcomeRecorder records job outcomes against the batch registry.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, batchID, jobID string, outcome types.Outcome) (types.Transition, error)
}

// TranscoderConfig wires a transcode stage.
type TranscoderConfig struct {
	Queue    Queue
	Registry OutcomeRecorder
	Store    blobstore.Store
	Trimmer  transcode.Trimmer

	// TempDir holds per-job scratch directories. Empty uses the OS default.
	TempDir string

	// MaxDeliveries bounds redelivery of a job. Zero means unbounded.
	MaxDeliveries int

	// LeaseRenewal is how often a job's lease is extended while it is processed.
	// Zero disables renewal.
	LeaseRenewal time.Duration

	Logger *slog.Logger
}

// Transcoder pulls jobs, trims the source, publishes the result, and records the outcome.
type Transcoder struct {
	cfg    TranscoderConfig
	logger *slog.Logger
}

// NewTranscoder validates cfg and builds the stage.
func NewTranscoder(cfg TranscoderConfig) (*Transcoder, error) {
	if cfg.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.Trimmer == nil {
		return nil, errors.New("trimmer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Transcoder{cfg: cfg, logger: logger.With(slog.String(logging.FieldComponent, "transcoder"))}, nil
}

// Turn pops one job and processes it.
func (t *Transcoder) Turn(ctx context.Context) error {
	d, err := t.cfg.Queue.Pop(ctx)
	if err != nil {
		return err
	}
	return t.Process(ctx, d)
}

// Process handles one delivered job. It returns an error, leaving the job unacknowledged,
// when a storage or queue failure prevents a durable outcome.
func (t *Transcoder) Process(ctx context.Context, d types.Delivery) error {
	var job types.Job
	if err := job.UnmarshalBinary([]byte(d.Payload)); err != nil {
		t.logger.Error("dropping malformed job payload", logging.Error(err))
		return ack(ctx, t.cfg.Queue, d, t.logger)
	}
	logger := t.logger.With(
		slog.String(logging.FieldBatchID, job.BatchID),
		slog.String(logging.FieldJobID, job.JobID),
		slog.String(logging.FieldKey, job.SourceKey),
	)

	var outcome types.Outcome
	switch {
	case job.BatchID == "" || job.JobID == "":
		logger.Error("dropping job without identifiers")
		return ack(ctx, t.cfg.Queue, d, logger)
	case t.cfg.MaxDeliveries > 0 && d.Attempt > t.cfg.MaxDeliveries:
		logger.Warn("job exceeded delivery limit", slog.Int("attempt", d.Attempt))
		outcome = types.Failure(ReasonAttemptsExhausted)
	default:
		if err := job.Validate(); err != nil {
			outcome = types.Failure(err.Error())
			break
		}
		stop := holdLease(t.cfg.Queue, d, t.cfg.LeaseRenewal, logger)
		var err error
		outcome, err = t.run(ctx, job)
		stop()
		if err != nil {
			return fmt.Errorf("job %s of batch %s: %w", job.JobID, job.BatchID, err)
		}
	}

	transition, err := t.cfg.Registry.RecordOutcome(ctx, job.BatchID, job.JobID, outcome)
	switch {
	case errors.Is(err, types.ErrBatchNotFound):
		logger.Warn("dropping job for unknown batch")
	case err != nil:
		return err
	case transition.Duplicate:
		logger.Info("outcome already recorded")
	case transition.Closed:
		logger.Info("batch closed", slog.String("status", string(transition.Status)))
	}
	if !outcome.OK() {
		logger.Warn("job failed", slog.String("reason", outcome.Reason))
	}

	return ack(ctx, t.cfg.Queue, d, logger)
}

// run produces the outcome of a job. A non-nil error means the outcome could not be
// determined and the job must be redelivered.
func (t *Transcoder) run(ctx context.Context, job types.Job) (types.Outcome, error) {
	dir, err := os.MkdirTemp(t.cfg.TempDir, "clipbatch-")
	if err != nil {
		return types.Outcome{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, path.Base(job.SourceKey))
	if err := t.fetch(ctx, job.SourceKey, inputPath); err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return types.Failure("source missing: " + job.SourceKey), nil
		}
		return types.Outcome{}, err
	}

	outName := ResultName(job.SourceKey)
	outputPath := filepath.Join(dir, outName)
	if err := t.cfg.Trimmer.Trim(ctx, inputPath, outputPath, job.Start, job.End); err != nil {
		if ctx.Err() != nil {
			return types.Outcome{}, ctx.Err()
		}
		return types.Failure(fmt.Sprintf("transcode %s: %v", job.FileName, err)), nil
	}

	out, err := os.Open(outputPath)
	if err != nil {
		return types.Failure(fmt.Sprintf("transcode %s: no output: %v", job.FileName, err)), nil
	}
	defer out.Close()

	key := blobstore.ResultKey(job.BatchID, outName)
	if err := t.cfg.Store.Put(ctx, key, out, "video/mp4"); err != nil {
		return types.Outcome{}, err
	}
	return types.Success(t.cfg.Store.Reference(key)), nil
}

func (t *Transcoder) fetch(ctx context.Context, key, dst string) error {
	src, err := t.cfg.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer src.Close()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("%w: download %s: %v", types.ErrStorage, key, err)
	}
	return f.Close()
}

// ResultName derives the output file name for a source key: "<stem>_cut.mp4".
func ResultName(sourceKey string) string {
	base := path.Base(sourceKey)
	return strings.TrimSuffix(base, path.Ext(base)) + "_cut.mp4"
}
