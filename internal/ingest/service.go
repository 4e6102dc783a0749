// Package ingest validates upload requests, stores the sources, and seeds new batches.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path"
	"strings"

	"github.com/TFMV/clipbatch/internal/blobstore"
	"github.com/TFMV/clipbatch/internal/logging"
	"github.com/TFMV/clipbatch/internal/types"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// Registry is the part of the batch registry ingestion needs.
type Registry interface {
	Seed(ctx context.Context, batchID string, jobs []types.Job) error
	Snapshot(ctx context.Context, batchID string) (*types.Batch, error)
}

// File is one uploaded source.
type File struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Request is a batch submission.
type Request struct {
	Files            []File
	Start            float64
	End              float64
	ConfirmOwnership string
}

// Service accepts batch submissions.
type Service struct {
	registry Registry
	store    blobstore.Store
	logger   *slog.Logger
}

// NewService creates an ingestion service.
func NewService(registry Registry, store blobstore.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		registry: registry,
		store:    store,
		logger:   logger.With(slog.String(logging.FieldComponent, "ingest")),
	}
}

// Submit validates req, uploads every file, and seeds the batch. Rejected requests
// return a *types.ValidationError and create nothing.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	names, err := validate(req)
	if err != nil {
		return "", err
	}

	batchID := uuid.NewString()
	logger := s.logger.With(slog.String(logging.FieldBatchID, batchID))

	jobs := make([]types.Job, 0, len(req.Files))
	for i, file := range req.Files {
		key := blobstore.UploadKey(batchID, names[i])
		contentType := file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := s.store.Put(ctx, key, file.Body, contentType); err != nil {
			return "", fmt.Errorf("upload %s: %w", file.Name, err)
		}
		jobs = append(jobs, types.Job{
			JobID:     uuid.NewString(),
			BatchID:   batchID,
			SourceKey: key,
			FileName:  file.Name,
			Start:     req.Start,
			End:       req.End,
		})
	}

	if err := s.registry.Seed(ctx, batchID, jobs); err != nil {
		logger.Error("failed to seed batch, uploads are orphaned", logging.Error(err))
		return "", err
	}

	logger.Info("batch accepted",
		slog.Int("files", len(jobs)),
		slog.Float64("start", req.Start),
		slog.Float64("end", req.End))
	return batchID, nil
}

// Status returns a snapshot of the batch.
func (s *Service) Status(ctx context.Context, batchID string) (*types.Batch, error) {
	return s.registry.Snapshot(ctx, batchID)
}

func validate(req Request) ([]string, error) {
	if !OwnershipConfirmed(req.ConfirmOwnership) {
		return nil, types.NewValidationError(types.CodeOwnershipNotConfirmed, "you must confirm you own or have rights to these videos")
	}
	if len(req.Files) == 0 {
		return nil, types.NewValidationError(types.CodeNoFiles, "at least one file is required")
	}
	if !finite(req.Start) || !finite(req.End) || req.Start < 0 || req.End <= req.Start {
		return nil, types.NewValidationError(types.CodeInvalidRange, "end (%g) must be greater than start (%g) and start must not be negative", req.End, req.Start)
	}

	names := make([]string, len(req.Files))
	stems := make(map[string]string, len(req.Files))
	for i, file := range req.Files {
		name := SanitizeName(file.Name)
		stem := strings.TrimSuffix(name, path.Ext(name))
		if prev, ok := stems[stem]; ok {
			return nil, types.NewValidationError(types.CodeDuplicateFilename, "%q and %q map to the same name %q", prev, file.Name, stem)
		}
		stems[stem] = file.Name
		names[i] = name
	}
	return names, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// OwnershipConfirmed reports whether v affirmatively confirms ownership.
func OwnershipConfirmed(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "on", "1":
		return true
	}
	return false
}

// SanitizeName turns an uploaded file name into a safe blob key segment:
// a slugged stem plus the lowercased extension.
func SanitizeName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	ext := strings.ToLower(path.Ext(base))
	stem := slug.Make(strings.TrimSuffix(base, path.Ext(base)))
	if stem == "" {
		stem = "file"
	}
	if ext != "" && slug.IsSlug(strings.TrimPrefix(ext, ".")) {
		return stem + ext
	}
	return stem
}
