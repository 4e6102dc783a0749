package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/TFMV/clipbatch/coordinator"
	"github.com/TFMV/clipbatch/flight_server"
	"github.com/TFMV/clipbatch/internal/api"
	"github.com/TFMV/clipbatch/internal/blobstore"
	"github.com/TFMV/clipbatch/internal/config"
	"github.com/TFMV/clipbatch/internal/ingest"
	"github.com/TFMV/clipbatch/internal/logging"
	"github.com/TFMV/clipbatch/internal/transcode"
	"github.com/TFMV/clipbatch/internal/worker"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"
)

const (
	componentAPI        = "api"
	componentTranscoder = "transcoder"
	componentArchiver   = "archiver"
	componentReclaimer  = "reclaimer"
	componentFlight     = "flight"
)

var allComponents = []string{componentAPI, componentTranscoder, componentArchiver, componentReclaimer, componentFlight}

type componentSet map[string]bool

// parseMode accepts "all" or a comma-separated list of components.
func parseMode(mode string) (componentSet, error) {
	set := componentSet{}
	for _, part := range strings.Split(mode, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch part {
		case "":
			continue
		case "all":
			for _, c := range allComponents {
				set[c] = true
			}
		case componentAPI, componentTranscoder, componentArchiver, componentReclaimer, componentFlight:
			set[part] = true
		default:
			return nil, fmt.Errorf("invalid mode %q: want all or a list of %s", part, strings.Join(allComponents, ", "))
		}
	}
	if len(set) == 0 {
		return nil, errors.New("mode selects no components")
	}
	return set, nil
}

func (s componentSet) any(names ...string) bool {
	for _, n := range names {
		if s[n] {
			return true
		}
	}
	return false
}

func (s componentSet) String() string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// leaseRenewal renews a held delivery three times per visibility window.
func leaseRenewal(visibility time.Duration) time.Duration {
	return visibility / 3
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run pipeline components until interrupted",
		Long: "Run pipeline components until interrupted.\n\n" +
			"--mode selects the components: all, or a comma-separated list of " +
			strings.Join(allComponents, ", ") + ".",
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := parseMode(mode)
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, components, logger)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "all", "Components to run")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, components componentSet, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting clipbatch", slog.String("mode", components.String()))

	coordCfg := coordinatorConfig(cfg, logger)
	if components[componentReclaimer] {
		coordCfg.ReclaimInterval = cfg.Workers.ReclaimInterval
	}
	coord, err := coordinator.New(coordCfg)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	var (
		store       blobstore.Store
		storeCloser io.Closer
		httpServer  *http.Server
		flightSrv   *flight_server.FlightServer
		pools       []*worker.Pool
		errCh       = make(chan error, 2)
	)

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if httpServer != nil {
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("error shutting down http server", logging.Error(err))
			}
		}
		for _, pool := range pools {
			if err := pool.Shutdown(shutdownCtx); err != nil {
				logger.Warn("error shutting down worker pool", logging.Error(err))
			}
		}
		if flightSrv != nil {
			flightSrv.Stop()
		}
		if storeCloser != nil {
			if err := storeCloser.Close(); err != nil {
				logger.Warn("error closing blob store", logging.Error(err))
			}
		}
		if err := coord.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error shutting down coordinator", logging.Error(err))
		}
		logger.Info("shutdown complete")
	}
	defer shutdown()

	if components.any(componentAPI, componentTranscoder, componentArchiver) {
		store, storeCloser, err = blobstore.Open(ctx, storeOptions(cfg))
		if err != nil {
			return fmt.Errorf("failed to open blob store: %w", err)
		}
	}

	backoff := worker.PoolConfig{
		BackoffMin:           cfg.Workers.Backoff.Min,
		BackoffMax:           cfg.Workers.Backoff.Max,
		BackoffFactor:        cfg.Workers.Backoff.Factor,
		BackoffRandomization: cfg.Workers.Backoff.Randomization,
		Logger:               logger,
	}

	if components[componentTranscoder] {
		stage, err := worker.NewTranscoder(worker.TranscoderConfig{
			Queue:    coord.Jobs(),
			Registry: coord,
			Store:    store,
			Trimmer: transcode.NewFFmpeg(
				transcode.WithBinary(cfg.Transcode.FFmpeg),
				transcode.WithTimeout(cfg.Transcode.Timeout),
			),
			TempDir:       cfg.Transcode.TempDir,
			MaxDeliveries: cfg.Workers.MaxDeliveries,
			LeaseRenewal:  leaseRenewal(cfg.Workers.JobVisibility),
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		poolCfg := backoff
		poolCfg.Name = componentTranscoder
		poolCfg.WorkerCount = cfg.Workers.Transcoders
		pool, err := worker.NewPool(poolCfg, stage)
		if err != nil {
			return err
		}
		pool.Start(ctx)
		pools = append(pools, pool)
	}

	if components[componentArchiver] {
		stage, err := worker.NewArchiver(worker.ArchiverConfig{
			Queue:            coord.Archives(),
			Registry:         coord,
			Store:            store,
			CompressionLevel: cfg.Workers.CompressionLevel,
			MaxDeliveries:    cfg.Workers.MaxDeliveries,
			LeaseRenewal:     leaseRenewal(cfg.Workers.ArchiveVisibility),
			Logger:           logger,
		})
		if err != nil {
			return err
		}
		poolCfg := backoff
		poolCfg.Name = componentArchiver
		poolCfg.WorkerCount = cfg.Workers.Archivers
		pool, err := worker.NewPool(poolCfg, stage)
		if err != nil {
			return err
		}
		pool.Start(ctx)
		pools = append(pools, pool)
	}

	if components[componentAPI] {
		svc := ingest.NewService(coord, store, logger)
		httpServer = &http.Server{
			Addr: cfg.HTTP.Address,
			Handler: api.NewRouter(svc, api.Options{
				MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
				Health:         coord,
				Logger:         logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			logger.Info("http server listening", slog.String("addr", cfg.HTTP.Address))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if components[componentFlight] {
		flightSrv, err = flight_server.NewFlightServer(flight_server.ServerConfig{
			Addr:      cfg.Flight.Address,
			Registry:  coord,
			Allocator: memory.NewGoAllocator(),
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		if err := flightSrv.Listen(); err != nil {
			return err
		}
		go func() {
			if err := flightSrv.Serve(); err != nil {
				errCh <- fmt.Errorf("flight server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
		return nil
	case err := <-errCh:
		return err
	}
}
