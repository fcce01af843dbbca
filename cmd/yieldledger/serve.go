package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"yieldledger/internal/config"
	"yieldledger/internal/core"
	"yieldledger/internal/event"
	"yieldledger/internal/ingestion"
	"yieldledger/internal/observability"
	"yieldledger/internal/persistence"
	"yieldledger/internal/projection"
	"yieldledger/internal/query"
	"yieldledger/internal/server"
	"yieldledger/migrations"
)

const (
	rawCommandBuffer = 4096
	publishBuffer    = 4096
	shutdownTimeout  = 30 * time.Second
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	var logFile *observability.LogFile
	if cfg.LogFile != "" {
		logFile = &observability.LogFile{Path: cfg.LogFile, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30}
	}
	logger := observability.NewLoggerWithLevel("yieldledger", observability.ParseLogLevel(cfg.LogLevel), logFile)
	logger.Info().Msg("yieldledger starting")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Migrations ---
	if err := persistence.NewMigrator(db, migrationSource(cfg.MigrationsDir), logger).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Engine ---
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	engine, err := core.NewEngine(engineCfg, persistChan, projectionChan, dbChecker, metrics)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	// --- Recovery: verified snapshot, then replay the log tail ---
	snapMgr := persistence.NewSnapshotManager(db)
	replayed, err := snapMgr.Recover(ctx, engine, cfg.ReplayPageSize, metrics, logger)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	keys, err := dbChecker.RecentKeys(ctx, engineCfg.LRUCapacity)
	if err != nil {
		return fmt.Errorf("load recent idempotency keys: %w", err)
	}
	engine.WarmLRU(keys)
	logger.Info().
		Int("replayed", replayed).
		Int("lru_keys", len(keys)).
		Int64("next_sequence", engine.GetSequence()).
		Msg("recovery complete")

	// Projections may trail the log after a crash or dropped outputs.
	if engine.GetSequence() > 1 {
		if err := projection.SyncFromSnapshot(ctx, db, engine.CreateSnapshotState()); err != nil {
			logger.Warn().Err(err).Msg("projection sync after recovery failed")
		}
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	rawChan := make(chan ingestion.RawCommand, rawCommandBuffer)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, metrics, logger)
	dispatcher := ingestion.NewDispatcher(engine, metrics, logger)

	committedChan := make(chan *event.EventEnvelope, publishBuffer)
	publisher := ingestion.NewOutboundPublisher(js, committedChan, metrics, logger)

	// --- Workers ---
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, logger)
	persistWorker.ForwardCommitted(committedChan)
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, logger)

	snapshots := newSnapshotter(engine, snapMgr, metrics, logger)

	// --- Servers ---
	queryService := query.NewQueryService(db, engine, engineCfg.PoolAddress)
	srv := server.NewServer(server.Options{
		GRPCAddr:  cfg.GRPCAddr,
		HTTPAddr:  cfg.HTTPAddr,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	}, server.NewService(server.Deps{
		Dispatcher: dispatcher,
		Query:      queryService,
		DB:         db,
		Snapshot:   snapshots.Take,
		Logger:     logger,
	}), healthChecker, metrics, logger)

	// Ingress goroutines stop before the engine's output channels close.
	ingressCtx, stopIngress := context.WithCancel(ctx)
	defer stopIngress()

	errChan := make(chan error, 8)
	var ingress, workers sync.WaitGroup

	workers.Add(3)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()
	go func() {
		defer workers.Done()
		if err := projWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()
	go func() {
		defer workers.Done()
		if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("publisher: %w", err)
		}
	}()

	go watchChannels(ctx, metrics, map[string]chan core.CoreOutput{
		"persist":    persistChan,
		"projection": projectionChan,
	}, rawChan, committedChan)

	if err := subscriber.Subscribe(ingressCtx); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	ingress.Add(1)
	go func() {
		defer ingress.Done()
		if err := dispatcher.Run(ingressCtx, rawChan); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	go func() {
		if err := srv.StartGRPC(ingressCtx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := srv.StartHTTPGateway(ingressCtx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	go snapshots.Run(ctx, cfg.SnapshotInterval)
	go serveMetrics(ctx, cfg.MetricsAddr, registry, logger, errChan)

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", engine.GetSequence()-1).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("yieldledger ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown: stop ingress, drain outputs, final snapshot ---
	healthChecker.SetReady(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	stopIngress()
	subscriber.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown")
	}
	ingress.Wait()

	// No producer remains; the workers drain and return on close.
	close(persistChan)
	close(projectionChan)

	if engine.GetSequence() > 1 {
		if _, err := snapshots.Take(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		}
	}

	cancel()
	workers.Wait()
	logger.Info().Msg("yieldledger shutdown complete")
	return nil
}

// migrationSource returns dir as a filesystem when set, else the embedded
// migrations.
func migrationSource(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

// watchChannels samples buffered channel depth into the channel gauges.
func watchChannels(ctx context.Context, metrics *observability.Metrics, outputs map[string]chan core.CoreOutput, raw chan ingestion.RawCommand, committed chan *event.EventEnvelope) {
	for name, ch := range outputs {
		metrics.ChannelCapacity.WithLabelValues(name).Set(float64(cap(ch)))
	}
	metrics.ChannelCapacity.WithLabelValues("raw_commands").Set(float64(cap(raw)))
	metrics.ChannelCapacity.WithLabelValues("committed").Set(float64(cap(committed)))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ch := range outputs {
				metrics.ChannelSize.WithLabelValues(name).Set(float64(len(ch)))
			}
			metrics.ChannelSize.WithLabelValues("raw_commands").Set(float64(len(raw)))
			metrics.ChannelSize.WithLabelValues("committed").Set(float64(len(committed)))
		}
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger zerolog.Logger, errChan chan<- error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}
