// Package api exposes batch submission and status over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/TFMV/clipbatch/internal/logging"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tunes the router.
type Options struct {
	// MaxUploadBytes caps the request body of POST /upload. Zero uses 1 GiB.
	MaxUploadBytes int64

	// Health is checked by GET /health when set.
	Health Pinger

	Logger *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(svc BatchService, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With(slog.String(logging.FieldComponent, "api"))

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Health.Ping(ctx); err != nil {
				RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	h := NewBatchHandler(svc, opts.MaxUploadBytes, logger)
	h.RegisterRoutes(r)

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("request_id", chiMiddleware.GetReqID(r.Context())),
			)
		})
	}
}
