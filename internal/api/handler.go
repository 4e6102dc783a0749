package api

import (
	"context"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/TFMV/clipbatch/internal/ingest"
	"github.com/TFMV/clipbatch/internal/logging"
	"github.com/TFMV/clipbatch/internal/types"
	"github.com/go-chi/chi/v5"
)

const (
	defaultMaxUploadBytes = 1 << 30
	multipartMemory       = 32 << 20
	filesField            = "videos"
)

// BatchService is implemented by *ingest.Service.
type BatchService interface {
	Submit(ctx context.Context, req ingest.Request) (string, error)
	Status(ctx context.Context, batchID string) (*types.Batch, error)
}

// BatchHandler serves upload and status requests.
type BatchHandler struct {
	svc            BatchService
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewBatchHandler creates a handler.
func NewBatchHandler(svc BatchService, maxUploadBytes int64, logger *slog.Logger) *BatchHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &BatchHandler{svc: svc, maxUploadBytes: maxUploadBytes, logger: logger}
}

// RegisterRoutes mounts the handler's routes on r.
func (h *BatchHandler) RegisterRoutes(r chi.Router) {
	r.Post("/upload", h.upload)
	r.Get("/status/{batchId}", h.status)
}

type uploadResponse struct {
	BatchID string `json:"batchId"`
}

func (h *BatchHandler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			RespondWithJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "too_large", Message: err.Error()})
			return
		}
		RespondWithJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "expected a multipart form: " + err.Error()})
		return
	}
	defer r.MultipartForm.RemoveAll()

	// Ownership is checked before anything else.
	confirm := r.FormValue("confirmOwnership")
	if !ingest.OwnershipConfirmed(confirm) {
		RespondWithError(w, types.NewValidationError(types.CodeOwnershipNotConfirmed, "you must confirm you own or have rights to these videos"))
		return
	}

	headers := r.MultipartForm.File[filesField]
	if len(headers) == 0 {
		RespondWithError(w, types.NewValidationError(types.CodeNoFiles, "at least one file is required in field %q", filesField))
		return
	}

	start, end, err := parseRange(r.FormValue("start"), r.FormValue("end"))
	if err != nil {
		RespondWithError(w, err)
		return
	}

	files := make([]ingest.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			RespondWithJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "unreadable file " + fh.Filename})
			return
		}
		defer f.Close()
		files = append(files, ingest.File{Name: fh.Filename, ContentType: contentType(fh), Body: f})
	}

	batchID, err := h.svc.Submit(r.Context(), ingest.Request{
		Files:            files,
		Start:            start,
		End:              end,
		ConfirmOwnership: confirm,
	})
	if err != nil {
		if HTTPStatusFromError(err) >= http.StatusInternalServerError {
			h.logger.Error("submit failed", logging.Error(err))
		}
		RespondWithError(w, err)
		return
	}

	RespondWithJSON(w, http.StatusAccepted, uploadResponse{BatchID: batchID})
}

func (h *BatchHandler) status(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchId")
	batch, err := h.svc.Status(r.Context(), batchID)
	if err != nil {
		if HTTPStatusFromError(err) >= http.StatusInternalServerError {
			h.logger.Error("status failed", logging.Error(err), slog.String(logging.FieldBatchID, batchID))
		}
		RespondWithError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, batch)
}

func parseRange(startStr, endStr string) (float64, float64, error) {
	start, err := strconv.ParseFloat(strings.TrimSpace(startStr), 64)
	if err != nil {
		return 0, 0, types.NewValidationError(types.CodeInvalidRange, "start %q is not a number of seconds", startStr)
	}
	end, err := strconv.ParseFloat(strings.TrimSpace(endStr), 64)
	if err != nil {
		return 0, 0, types.NewValidationError(types.CodeInvalidRange, "end %q is not a number of seconds", endStr)
	}
	return start, end, nil
}

func contentType(fh *multipart.FileHeader) string {
	if ct := fh.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
