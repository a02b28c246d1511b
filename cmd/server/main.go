package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dovos/conversation-archive/internal/cache"
	"github.com/dovos/conversation-archive/internal/clock"
	"github.com/dovos/conversation-archive/internal/config"
	"github.com/dovos/conversation-archive/internal/embedder"
	"github.com/dovos/conversation-archive/internal/events"
	"github.com/dovos/conversation-archive/internal/format"
	"github.com/dovos/conversation-archive/internal/heartbeat"
	"github.com/dovos/conversation-archive/internal/importer"
	"github.com/dovos/conversation-archive/internal/queue"
	"github.com/dovos/conversation-archive/internal/retrieval"
	"github.com/dovos/conversation-archive/internal/search"
	"github.com/dovos/conversation-archive/internal/store"
	"github.com/dovos/conversation-archive/internal/watchfolder"
	"github.com/dovos/conversation-archive/internal/worker"
)

// licenseGate implements importer.CapabilityOracle: any non-empty license
// key unlocks every gated format (there is only one tier today — DOCX).
type licenseGate struct {
	key string
}

func (g licenseGate) HasFeature(string) bool { return g.key != "" }

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	if err := runMigrations(cfg.DatabaseURL, logger); err != nil {
		logger.Fatalf("failed to run migrations: %v", err)
	}

	clk := clock.Real{}
	db, err := store.Open(cfg.DatabaseURL, clk, logger)
	if err != nil {
		logger.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:    cfg.RedisAddrs,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()
	cacheManager := cache.NewCacheManager(redisClient, logger)

	publisher := events.NewPublisher(cfg.KafkaBrokers, logger)
	defer publisher.Close()

	hb := heartbeat.New(db)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	licenseKey, err := hb.LicenseKey(ctx, cfg.LicenseKey)
	if err != nil {
		logger.WithError(err).Warn("failed to resolve license key, formats requiring a license will be rejected")
	}
	capabilities := licenseGate{key: licenseKey}

	registry := format.DefaultRegistry()
	importService := importer.New(db, registry, capabilities, publisher, clk, logger, cfg.EmbeddingModel)

	jobQueue := queue.New(db, cfg.RetryDelayMinutes, cfg.WorkerMaxAttempts, logger)

	oracle := embedder.DefaultOracle()
	embedLimiter := rate.NewLimiter(rate.Limit(10), 1)
	embeddingPool := worker.NewPool(db, jobQueue, oracle, publisher, embedLimiter, logger, cfg.WorkerCount, cfg.WorkerBatchSize)
	embeddingPool.Start(ctx)
	defer embeddingPool.Stop(10 * time.Second)

	// No transcript oracle is configured by default; transcription jobs are
	// marked failed-without-retry until one is wired in.
	transcriptionPool := worker.NewTranscriptionPool(db, jobQueue, nil, publisher, logger, 1)
	transcriptionPool.Start(ctx)
	defer transcriptionPool.Stop(10 * time.Second)

	searchService := search.New(db, oracle, logger).WithCache(cacheManager)
	_ = retrieval.New(db, searchService, logger) // exposed to callers embedding this module as a library

	scanner := watchfolder.NewScanner(importService, logger)
	scanLimiter := rate.NewLimiter(rate.Every(time.Second), 1)
	poller := watchfolder.NewPoller(scanner, hb, scanLimiter, logger, cfg.WatchFolderInterval)
	go poller.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","timestamp":%d}`, time.Now().Unix())
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := redisClient.Ping(r.Context()).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"not ready","error":"redis unavailable"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ready"}`)
	})

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Infof("metrics/health server listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	logger.Info("conversation archive running; workers, poller, and search are ready")

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

func runMigrations(databaseURL string, logger *logrus.Logger) error {
	m, err := migrate.New("file://migrations", databaseURL)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}
