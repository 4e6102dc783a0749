package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/TFMV/clipbatch/internal/blobstore"
	"github.com/TFMV/clipbatch/internal/logging"
	"github.com/TFMV/clipbatch/internal/types"
	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// DefaultCompressionLevel is the deflate level used for archive entries.
const DefaultCompressionLevel = 6

// ArchiveRegistry is the part of the batch registry the archiver needs.
type ArchiveRegistry interface {
	Snapshot(ctx context.Context, batchID string) (*types.Batch, error)
	SetArchive(ctx context.Context, batchID, reference string) error
}

// ArchiverConfig wires an archive stage.
type ArchiverConfig struct {
	Queue    Queue
	Registry ArchiveRegistry
	Store    blobstore.Store

	// CompressionLevel is the deflate level, 1 through 9. Zero uses DefaultCompressionLevel.
	CompressionLevel int

	// MaxDeliveries bounds redelivery of an archive task. A task delivered more often
	// is moved to the dead-letter list. Zero means unbounded.
	MaxDeliveries int

	// LeaseRenewal is how often a task's lease is extended while its archive is built.
	// Zero disables renewal.
	LeaseRenewal time.Duration

	Logger *slog.Logger
}

// Archiver bundles the results of done batches into one zip each.
type Archiver struct {
	cfg    ArchiverConfig
	logger *slog.Logger
}

// NewArchiver validates cfg and builds the stage.
func NewArchiver(cfg ArchiverConfig) (*Archiver, error) {
	if cfg.Queue == nil {
		return nil, errors.New("archive queue is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = DefaultCompressionLevel
	}
	if cfg.CompressionLevel < flate.BestSpeed || cfg.CompressionLevel > flate.BestCompression {
		return nil, fmt.Errorf("compression level %d out of range", cfg.CompressionLevel)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Archiver{cfg: cfg, logger: logger.With(slog.String(logging.FieldComponent, "archiver"))}, nil
}

// Turn pops one archive task and processes it.
func (a *Archiver) Turn(ctx context.Context) error {
	d, err := a.cfg.Queue.Pop(ctx)
	if err != nil {
		return err
	}
	return a.Process(ctx, d)
}

// Process archives the batch named by the delivery. Any error leaves the task in flight.
func (a *Archiver) Process(ctx context.Context, d types.Delivery) error {
	batchID := d.Payload
	logger := a.logger.With(slog.String(logging.FieldBatchID, batchID))

	if a.cfg.MaxDeliveries > 0 && d.Attempt > a.cfg.MaxDeliveries {
		logger.Error("archive task exceeded delivery limit, moving to dead letters", slog.Int("attempt", d.Attempt))
		if err := a.cfg.Queue.Bury(ctx, d); err != nil && !errors.Is(err, types.ErrLeaseLost) {
			return err
		}
		return nil
	}

	batch, err := a.cfg.Registry.Snapshot(ctx, batchID)
	if err != nil {
		if errors.Is(err, types.ErrBatchNotFound) {
			logger.Warn("skipping archive task for unknown batch")
			return ack(ctx, a.cfg.Queue, d, logger)
		}
		return err
	}

	switch {
	case batch.ArchiveReference != "":
		logger.Info("batch already archived", slog.String("archive", batch.ArchiveReference))
		return ack(ctx, a.cfg.Queue, d, logger)
	case batch.Status != types.BatchStatusDone:
		logger.Warn("skipping archive task for batch that is not done", slog.String("status", string(batch.Status)))
		return ack(ctx, a.cfg.Queue, d, logger)
	case len(batch.Results) == 0:
		logger.Warn("skipping archive task for batch without results")
		return ack(ctx, a.cfg.Queue, d, logger)
	}

	start := time.Now()
	stop := holdLease(a.cfg.Queue, d, a.cfg.LeaseRenewal, logger)
	reference, err := a.Build(ctx, batchID, batch.Results)
	stop()
	if err != nil {
		return fmt.Errorf("archive batch %s: %w", batchID, err)
	}

	err = a.cfg.Registry.SetArchive(ctx, batchID, reference)
	switch {
	case err == nil:
		logger.Info("batch archived",
			slog.String("archive", reference),
			slog.Int("entries", len(batch.Results)),
			slog.Duration("elapsed", time.Since(start)))
	case errors.Is(err, types.ErrArchiveAlreadySet), errors.Is(err, types.ErrBatchNotDone), errors.Is(err, types.ErrBatchNotFound):
		logger.Warn("archive not recorded", logging.Error(err), slog.String("archive", reference))
	default:
		return err
	}

	return ack(ctx, a.cfg.Queue, d, logger)
}

// Build streams every result of the batch into a new zip and uploads it.
// It returns the archive's public reference.
func (a *Archiver) Build(ctx context.Context, batchID string, results []string) (string, error) {
	keys, err := a.resolve(batchID, results)
	if err != nil {
		return "", err
	}

	archiveKey := blobstore.ArchiveKey(batchID, uuid.NewString()+".zip")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	uploaded := make(chan error, 1)
	go func() {
		err := a.cfg.Store.Put(ctx, archiveKey, pr, "application/zip")
		pr.CloseWithError(err)
		uploaded <- err
	}()

	writeErr := a.writeZip(ctx, pw, keys)
	if writeErr != nil {
		cancel()
	}
	pw.CloseWithError(writeErr)
	uploadErr := <-uploaded

	if writeErr != nil {
		return "", writeErr
	}
	if uploadErr != nil {
		return "", uploadErr
	}
	return a.cfg.Store.Reference(archiveKey), nil
}

// resolve maps references to keys and rejects any key outside the batch's result prefix.
func (a *Archiver) resolve(batchID string, results []string) ([]string, error) {
	prefix := blobstore.ResultPrefix(batchID)
	keys := make([]string, 0, len(results))
	for _, ref := range results {
		key, err := a.cfg.Store.KeyFromReference(ref)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(key, prefix) {
			return nil, fmt.Errorf("result %q does not belong to batch %s", ref, batchID)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (a *Archiver) writeZip(ctx context.Context, w io.Writer, keys []string) error {
	zw := zip.NewWriter(w)
	level := a.cfg.CompressionLevel
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	names := newEntryNames()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.addEntry(ctx, zw, names.next(path.Base(key)), key); err != nil {
			return err
		}
	}
	return zw.Close()
}

func (a *Archiver) addEntry(ctx context.Context, zw *zip.Writer, name, key string) error {
	src, err := a.cfg.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer src.Close()

	entry, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := io.Copy(entry, src); err != nil {
		return fmt.Errorf("%w: stream %s: %v", types.ErrStorage, key, err)
	}
	return nil
}

// entryNames hands out unique archive entry names, suffixing repeats as "<stem>_<n><ext>".
type entryNames map[string]int

func newEntryNames() entryNames {
	return make(entryNames)
}

func (n entryNames) next(name string) string {
	count := n[name]
	n[name] = count + 1
	if count == 0 {
		return name
	}
	ext := path.Ext(name)
	candidate := strings.TrimSuffix(name, ext) + "_" + strconv.Itoa(count) + ext
	if _, taken := n[candidate]; taken {
		return n.next(candidate)
	}
	n[candidate] = 1
	return candidate
}
