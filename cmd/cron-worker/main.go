package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/vehiclehealth-backend/internal/cron"
	"github.com/angelmondragon/vehiclehealth-backend/internal/media"
	"github.com/angelmondragon/vehiclehealth-backend/internal/records"
	"github.com/angelmondragon/vehiclehealth-backend/internal/remote"
	"github.com/angelmondragon/vehiclehealth-backend/internal/retention"
	"github.com/angelmondragon/vehiclehealth-backend/internal/syncer"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/config"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/metrics"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/migrate"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	localDB, err := db.NewLocal(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap local store", err)
		os.Exit(1)
	}
	defer func() {
		if err := localDB.Close(); err != nil {
			logg.Error(context.Background(), "error closing local store", err)
		}
	}()

	if err := migrate.MaybeRun(ctx, cfg, logg, localDB, migrate.Local); err != nil {
		logg.Error(ctx, "failed to run local migrations", err)
		os.Exit(1)
	}

	lock, closeLock, err := newLock(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to create cron lock", err)
		os.Exit(1)
	}
	defer closeLock()

	diagMetrics := metrics.NewDiagnosticsMetrics(prometheus.DefaultRegisterer)
	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	store, err := records.NewStore(records.StoreParams{DB: localDB, Logger: logg})
	if err != nil {
		logg.Error(ctx, "failed to create record store", err)
		os.Exit(1)
	}
	mediaStore, err := media.NewStore(media.Params{
		DataDir:   cfg.Media.DataDir,
		MaxBytes:  cfg.Media.MaxBytes(),
		ZstdLevel: cfg.Media.ZstdLevel,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create media store", err)
		os.Exit(1)
	}

	stack, err := remote.Connect(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap remote stack", err)
		os.Exit(1)
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logg.Error(context.Background(), "error closing remote store", err)
		}
	}()

	tombstones := retention.NewTombstones(localDB)
	sweeperParams := retention.SweeperParams{
		Store:         store,
		Tombstones:    tombstones,
		Media:         mediaStore,
		Logger:        logg,
		Metrics:       diagMetrics,
		BatchSize:     cfg.Retention.BatchSize,
		RemoteTimeout: cfg.Retention.RemoteDeleteTimeout,
		MediaPrefix:   cfg.GCS.Prefix,
		StuckAfter:    cfg.Retention.StuckAfter,
	}
	if stack != nil {
		sweeperParams.Remote = stack.Store
		sweeperParams.Objects = stack.Objects
	}
	sweeper, err := retention.NewSweeper(sweeperParams)
	if err != nil {
		logg.Error(ctx, "failed to create retention sweeper", err)
		os.Exit(1)
	}
	retentionJob, err := cron.NewRetentionJob(cron.RetentionJobParams{
		Logger:   logg,
		Sweeper:  sweeper,
		Interval: cfg.Retention.SweepInterval,
	})
	if err != nil {
		logg.Error(ctx, "failed to create retention job", err)
		os.Exit(1)
	}
	registry := cron.NewRegistry(retentionJob)

	if stack != nil && cfg.Sync.Enabled {
		coordinator, err := syncer.NewCoordinator(syncer.Params{
			Config:      cfg.Sync,
			MediaPrefix: cfg.GCS.Prefix,
			Store:       store,
			Media:       mediaStore,
			Remote:      stack.Store,
			Objects:     stack.Objects,
			Retirements: tombstones,
			Logger:      logg,
			Metrics:     diagMetrics,
		})
		if err != nil {
			logg.Error(ctx, "failed to create sync coordinator", err)
			os.Exit(1)
		}
		syncJob, err := cron.NewSyncJob(cron.SyncJobParams{
			Logger:          logg,
			Coordinator:     coordinator,
			Interval:        cfg.Sync.RetryDelay,
			IncludeDeferred: true,
		})
		if err != nil {
			logg.Error(ctx, "failed to create sync job", err)
			os.Exit(1)
		}
		registry.Register(syncJob)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  cronMetrics,
	})
	if err != nil {
		logg.Error(ctx, "failed to create cron service", err)
		os.Exit(1)
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"jobs":        registry.Names(),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

// newLock prefers a Redis lock so several workers can share one device
// store; without Redis the worker serialises its own cycles.
func newLock(ctx context.Context, cfg *config.Config, logg *logger.Logger) (cron.Lock, func(), error) {
	if !cfg.Redis.Enabled() {
		logg.Info(ctx, "redis not configured; using in-process cron lock")
		return &cron.LocalLock{}, func() {}, nil
	}
	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockName(cfg.App.Env)), 0)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return lock, closeFn, nil
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return "cron-worker:" + env
}
