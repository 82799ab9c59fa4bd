// Package bootstrap assembles the service from configuration. Both the API
// server and thesisctl start from here.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"thesis/api/internal/app"
	"thesis/api/internal/config"
	"thesis/api/internal/filestore"
	"thesis/api/internal/logger"
	"thesis/api/internal/progresscache"
	"thesis/api/internal/search"
	"thesis/api/internal/store"
)

type Runtime struct {
	Config  config.Config
	DB      *sql.DB
	Service *app.Service

	closers []func() error
}

// Open connects every backend named by cfg and applies pending migrations.
// Optional backends (Meilisearch, Redis) are skipped when unconfigured.
func Open(ctx context.Context, cfg config.Config) (*Runtime, error) {
	log := logger.Get()
	rt := &Runtime{Config: cfg}

	plan, err := config.LoadPlan(cfg.MilestonePlanPath)
	if err != nil {
		return nil, err
	}

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt.DB = db
	rt.closers = append(rt.closers, db.Close)

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	files, err := openStorage(ctx, cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}

	dataStore := store.NewPostgresStore(db)
	var primary search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		rt.closers = append(rt.closers, func() error { meili.Close(); return nil })
		primary = meili
		log.Info().Str("url", cfg.MeiliURL).Msg("search: meilisearch enabled")
	}
	searchService := search.NewService(primary, search.NewStoreSearch(dataStore))

	var cache progresscache.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := progresscache.NewRedisCache(cfg.RedisURL, cfg.ProgressTTL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, redisCache.Close)
		cache = redisCache
		log.Info().Msg("progress: redis cache enabled")
	}

	rt.Service = app.New(cfg, plan, dataStore, files, searchService, cache)
	return rt, nil
}

// OpenDB opens the Postgres pool sized from cfg.
func OpenDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	return store.OpenPool(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns:    cfg.DBMaxConns,
		MaxIdleConns:    cfg.DBMaxConns / 2,
		ConnectAttempts: cfg.DBConnectTries,
	})
}

func openStorage(ctx context.Context, cfg config.Config) (filestore.Storage, error) {
	switch cfg.StorageBackend {
	case "", "local":
		return filestore.NewLocal(cfg.StorageDir)
	case "minio":
		return filestore.NewMinIO(ctx, filestore.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// Close releases backends in reverse order of opening.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
