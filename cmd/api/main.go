package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/vehiclehealth-backend/api/controllers"
	"github.com/angelmondragon/vehiclehealth-backend/api/routes"
	"github.com/angelmondragon/vehiclehealth-backend/internal/diagnostics"
	"github.com/angelmondragon/vehiclehealth-backend/internal/enrichment"
	"github.com/angelmondragon/vehiclehealth-backend/internal/maintenance"
	"github.com/angelmondragon/vehiclehealth-backend/internal/media"
	"github.com/angelmondragon/vehiclehealth-backend/internal/records"
	"github.com/angelmondragon/vehiclehealth-backend/internal/remote"
	"github.com/angelmondragon/vehiclehealth-backend/internal/retention"
	"github.com/angelmondragon/vehiclehealth-backend/internal/scoring"
	"github.com/angelmondragon/vehiclehealth-backend/internal/syncer"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/config"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/metrics"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/migrate"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	diagMetrics := metrics.NewDiagnosticsMetrics(prometheus.DefaultRegisterer)

	store, err := records.NewStore(records.StoreParams{DB: localDB, Logger: logg})
	if err != nil {
		logg.Error(ctx, "failed to create record store", err)
		os.Exit(1)
	}

	ledger, err := maintenance.NewLedger(maintenance.NewRepository(localDB.DB()), store, nil)
	if err != nil {
		logg.Error(ctx, "failed to create maintenance ledger", err)
		os.Exit(1)
	}

	rules, err := scoring.LoadRules(cfg.Scoring.RulesPath)
	if err != nil {
		logg.Error(ctx, "failed to load scoring rules", err)
		os.Exit(1)
	}
	engine, err := scoring.NewEngine(rules)
	if err != nil {
		logg.Error(ctx, "failed to create scoring engine", err)
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

	var (
		coordinator *syncer.Coordinator
		scheduler   diagnostics.Scheduler
		trigger     controllers.SyncTrigger
		remoteDB    db.Pinger
	)
	if stack != nil && cfg.Sync.Enabled {
		remoteDB = stack.DB
		if err := migrate.MaybeRun(ctx, cfg, logg, stack.DB, migrate.Remote); err != nil {
			// Offline at boot is normal; the schema is applied by the next
			// process start or by cmd/migrate.
			logg.WarnErr(ctx, "remote migrations skipped", err)
		}

		params := syncer.Params{
			Config:      cfg.Sync,
			MediaPrefix: cfg.GCS.Prefix,
			Store:       store,
			Media:       mediaStore,
			Remote:      stack.Store,
			Objects:     stack.Objects,
			Retirements: retention.NewTombstones(localDB),
			Logger:      logg,
			Metrics:     diagMetrics,
		}
		if cfg.Enrichment.Enabled() {
			enricher, err := newEnricher(cfg, logg, store, ledger, diagMetrics)
			if err != nil {
				logg.Error(ctx, "failed to create enricher", err)
				os.Exit(1)
			}
			params.Enricher = enricher
		}
		coordinator, err = syncer.NewCoordinator(params)
		if err != nil {
			logg.Error(ctx, "failed to create sync coordinator", err)
			os.Exit(1)
		}
		scheduler = coordinator
		trigger = coordinator
	} else {
		logg.Info(ctx, "remote sync disabled; records stay local")
	}

	diagService, err := diagnostics.NewService(diagnostics.ServiceParams{
		Store:           store,
		Engine:          engine,
		Ledger:          ledger,
		Media:           mediaStore,
		Scheduler:       scheduler,
		Logger:          logg,
		Metrics:         diagMetrics,
		RetentionWindow: cfg.Retention.Window,
	})
	if err != nil {
		logg.Error(ctx, "failed to create diagnostics service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"addr":        addr,
		"serviceKind": cfg.Service.Kind,
		"remoteSync":  coordinator != nil,
	})

	if coordinator != nil {
		go func() {
			if err := coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logg.Error(ctx, "sync coordinator stopped unexpectedly", err)
			}
		}()
	}

	// No WriteTimeout: the change stream holds responses open.
	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:      cfg,
			Logger:      logg,
			LocalDB:     localDB,
			RemoteDB:    remoteDB,
			Diagnostics: diagService,
			Sync:        trigger,
		}),
		ReadHeaderTimeout: cfg.App.ReadHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "api server shutdown failed", err)
		}
	}()

	logg.Info(ctx, "starting api server")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shut down gracefully")
}

func newEnricher(cfg *config.Config, logg *logger.Logger, store *records.Store, ledger *maintenance.Ledger, m *metrics.DiagnosticsMetrics) (*enrichment.Enricher, error) {
	gateway, err := enrichment.NewAnthropicGateway(enrichment.AnthropicParams{
		APIKey:    cfg.Enrichment.APIKey,
		Model:     cfg.Enrichment.Model,
		MaxTokens: cfg.Enrichment.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return enrichment.NewEnricher(enrichment.EnricherParams{
		Gateway:       gateway,
		Store:         store,
		Ledger:        ledger,
		Logger:        logg,
		Metrics:       m,
		Timeout:       cfg.Enrichment.Timeout,
		RatePerMinute: cfg.Enrichment.RatePerMinute,
		MaxConcurrent: cfg.Enrichment.MaxConcurrent,
	})
}
