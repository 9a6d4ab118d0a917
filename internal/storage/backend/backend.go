// Package backend constructs the configured storage gateway.
package backend

import (
	"context"
	"fmt"

	"github.com/dochub/dochub/internal/config"
	"github.com/dochub/dochub/internal/storage"
	"github.com/dochub/dochub/internal/storage/azure"
	"github.com/dochub/dochub/internal/storage/local"
	"github.com/dochub/dochub/internal/storage/s3"
	"github.com/rs/zerolog"
)

// Open returns the gateway selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (storage.Gateway, error) {
	gw, err := open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Backend, err)
	}
	return gw, nil
}

func open(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (storage.Gateway, error) {
	switch cfg.Backend {
	case config.BackendLocal, "":
		store, err := local.NewStore(local.Config{
			DataDir:       cfg.Local.DataDir,
			PublicURL:     cfg.Local.PublicURL,
			SigningSecret: cfg.Local.SigningSecret,
			PageSize:      cfg.Local.PageSize,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendAzure:
		store, err := azure.NewStore(azure.Config{
			AccountName: cfg.Azure.AccountName,
			AccountKey:  cfg.Azure.AccountKey,
			Endpoint:    cfg.Azure.Endpoint,
			UseEmulator: cfg.Azure.UseEmulator,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendS3:
		store, err := s3.NewStore(ctx, s3.Config{
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
