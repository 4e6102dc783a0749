package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/TFMV/clipbatch/coordinator"
	"github.com/TFMV/clipbatch/internal/blobstore"
	"github.com/TFMV/clipbatch/internal/config"
	"github.com/TFMV/clipbatch/internal/logging"
)

type commandContext struct {
	configFlag *string
	envFlag    *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, envFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		envFlag:    envFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path, envFile string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		if c.envFlag != nil {
			envFile = strings.TrimSpace(*c.envFlag)
		}
		c.config, c.configErr = config.Load(path, envFile)
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
}

func coordinatorConfig(cfg *config.Config, logger *slog.Logger) coordinator.Config {
	return coordinator.Config{
		ValKeyAddr:        cfg.Valkey.Address,
		ValKeyPassword:    cfg.Valkey.Password,
		ValKeyDB:          cfg.Valkey.DB,
		JobVisibility:     cfg.Workers.JobVisibility,
		ArchiveVisibility: cfg.Workers.ArchiveVisibility,
		Logger:            logger,
	}
}

// withCoordinator opens a coordinator without the background reclaim sweep.
func (c *commandContext) withCoordinator(fn func(*coordinator.Coordinator) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	coord, err := coordinator.New(coordinatorConfig(cfg, logging.NewNop()))
	if err != nil {
		return err
	}
	defer coord.Shutdown(context.Background())
	return fn(coord)
}

func (c *commandContext) openStore(ctx context.Context) (blobstore.Store, io.Closer, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	store, closer, err := blobstore.Open(ctx, storeOptions(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("open %s blob store: %w", cfg.Storage.Backend, err)
	}
	return store, closer, nil
}

func storeOptions(cfg *config.Config) blobstore.Options {
	return blobstore.Options{
		Backend:         cfg.Storage.Backend,
		Endpoint:        cfg.Storage.Endpoint,
		Bucket:          cfg.Storage.Bucket,
		Region:          cfg.Storage.Region,
		AccessKey:       cfg.Storage.AccessKey,
		SecretKey:       cfg.Storage.SecretKey,
		CredentialsFile: cfg.Storage.CredentialsFile,
		PebblePath:      cfg.Storage.PebblePath,
	}
}
