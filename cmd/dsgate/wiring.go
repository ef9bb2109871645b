package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dsgate/internal/blobstore"
	"dsgate/internal/config"
	"dsgate/internal/coordinator"
	"dsgate/internal/lock"
	"dsgate/internal/pagination"
	"dsgate/internal/recordstore"
	"dsgate/internal/retry"
)

// gateway bundles the components one server process runs.
type gateway struct {
	coordinator *coordinator.Coordinator
	merger      *pagination.Merger
	locker      lock.Locker
	localBlobs  *blobstore.LocalStore
	closers     []func() error
}

func (g *gateway) Close() error {
	var firstErr error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	g := &gateway{}
	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay.Duration,
		MaxDelay:    cfg.Retry.MaxDelay.Duration,
	}

	blobs, err := g.openBlobStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	blobs = blobstore.WithRetry(blobs, policy)
	if cfg.Blob.PresignCacheSize > 0 {
		cached, err := blobstore.WithPresignCache(blobs, cfg.Blob.PresignCacheSize)
		if err != nil {
			return nil, err
		}
		blobs = cached
	}

	records, err := g.openRecordStore(ctx, cfg, logger)
	if err != nil {
		_ = g.Close()
		return nil, err
	}
	records = recordstore.WithRetry(records, policy)

	coord, err := coordinator.New(blobs, records, coordinator.Config{
		Bucket:              cfg.Blob.Bucket,
		Classes:             cfg.Record.Classes,
		DefaultClass:        cfg.Record.DefaultClass,
		PresignTTL:          cfg.Blob.PresignTTL.Duration,
		CallTimeout:         cfg.Coordinator.CallTimeout.Duration,
		CompensationTimeout: cfg.Coordinator.CompensationTimeout.Duration,
		StalenessWindow:     cfg.Coordinator.StalenessWindow.Duration,
		Logger:              logger,
	})
	if err != nil {
		_ = g.Close()
		return nil, err
	}
	g.coordinator = coord
	g.merger = pagination.NewMerger(records, blobs, coord, pagination.Config{
		PresignTTL:  cfg.Blob.PresignTTL.Duration,
		CallTimeout: cfg.Coordinator.CallTimeout.Duration,
		Logger:      logger,
	})

	locker, err := openLocker(cfg, logger)
	if err != nil {
		_ = g.Close()
		return nil, err
	}
	g.locker = locker
	return g, nil
}

func (g *gateway) openBlobStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (blobstore.BlobStore, error) {
	switch cfg.Blob.Backend {
	case config.BlobBackendMemory:
		logger.Warn("using in-memory blob store; content is lost on exit")
		mem := blobstore.NewMemoryStore()
		mem.QuotaBytes = cfg.Blob.QuotaBytes
		return mem, nil
	case config.BlobBackendS3:
		logger.Info("opening s3 blob store", "endpoint", cfg.Blob.Endpoint, "bucket", cfg.Blob.Bucket)
		s3, err := blobstore.NewS3Store(blobstore.S3Options{
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Region:    cfg.Blob.Region,
			UseSSL:    cfg.Blob.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx, cfg.Blob.Bucket); err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Blob.Bucket, err)
		}
		return s3, nil
	default:
		baseURL := strings.TrimSpace(cfg.Blob.PresignBaseURL)
		if baseURL == "" {
			baseURL = strings.TrimRight(cfg.APIURL, "/") + "/blobs"
		}
		logger.Info("opening local blob store", "root", cfg.Blob.Root)
		if cfg.Blob.PresignSecret == "" {
			logger.Warn("presign_secret is empty; using a random signing key, presigned URLs will not survive a restart")
		}
		local, err := blobstore.NewLocalStore(cfg.Blob.Root, blobstore.LocalOptions{
			BaseURL:    baseURL,
			Secret:     cfg.Blob.PresignSecret,
			QuotaBytes: cfg.Blob.QuotaBytes,
		})
		if err != nil {
			return nil, err
		}
		g.localBlobs = local
		return local, nil
	}
}

func (g *gateway) openRecordStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (recordstore.RecordStore, error) {
	switch cfg.Record.Backend {
	case config.RecordBackendMemory:
		logger.Warn("using in-memory record store; records are lost on exit")
		return recordstore.NewMemoryStore(), nil
	case config.RecordBackendPostgres:
		logger.Info("opening postgres record store")
		pg, err := recordstore.OpenPostgres(ctx, cfg.Record.DSN)
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, pg.Close)
		return pg, nil
	default:
		logger.Info("opening sqlite record store", "path", cfg.Record.DSN)
		if err := os.MkdirAll(filepath.Dir(cfg.Record.DSN), 0o755); err != nil {
			return nil, err
		}
		st, err := recordstore.OpenSQLite(cfg.Record.DSN)
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, st.Close)
		return st, nil
	}
}

func openLocker(cfg *config.Config, logger *slog.Logger) (lock.Locker, error) {
	switch cfg.Lock.Backend {
	case config.LockBackendNone:
		return lock.Nop{}, nil
	case config.LockBackendConsul:
		return lock.NewConsulLocker(lock.ConsulConfig{
			Address:    cfg.Lock.ConsulAddress,
			Token:      cfg.Lock.ConsulToken,
			KeyPrefix:  cfg.Lock.KeyPrefix,
			SessionTTL: cfg.Lock.SessionTTL.Duration,
			Logger:     logger,
		})
	default:
		return lock.NewLocalLocker(), nil
	}
}
