package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/courtdata/sentinel/internal/alert"
	"github.com/courtdata/sentinel/internal/api"
	"github.com/courtdata/sentinel/internal/backfill"
	"github.com/courtdata/sentinel/internal/blob"
	"github.com/courtdata/sentinel/internal/bus"
	"github.com/courtdata/sentinel/internal/cache"
	"github.com/courtdata/sentinel/internal/config"
	"github.com/courtdata/sentinel/internal/detect"
	"github.com/courtdata/sentinel/internal/dlq"
	"github.com/courtdata/sentinel/internal/metrics"
	"github.com/courtdata/sentinel/internal/models"
	"github.com/courtdata/sentinel/internal/recovery"
	"github.com/courtdata/sentinel/internal/store"
	"github.com/courtdata/sentinel/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting sentinel", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Warehouse.DSN, cfg.Warehouse.QueryTimeout)
	if err != nil {
		logger.Error("warehouse unreachable", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()
	warehouse := store.NewWarehouse(db)
	backfillStore := store.NewBackfills(db)
	latencyHistory := store.NewLatencyHistory(db)

	blobClient, err := blob.NewClient(blob.Config{
		Endpoint:  cfg.Blob.Endpoint,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
		Bucket:    cfg.Blob.Bucket,
		Region:    cfg.Blob.Region,
		UseSSL:    cfg.Blob.UseSSL,
	})
	if err != nil {
		logger.Error("blob store client failed", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, dedup guard disabled", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	}

	alerts := alert.NewManager(logger, alert.Options{
		RateLimitWindow: cfg.Alerts.RateLimitWindow,
		MaxPerWindow:    cfg.Alerts.MaxPerWindow,
		Primary:         webhooks("primary", cfg.Alerts.PrimaryWebhookURL, cfg.Alerts.WebhookTimeout),
		Secondary:       webhooks("secondary", cfg.Alerts.SecondaryWebhookURL, cfg.Alerts.WebhookTimeout),
	})

	recoveryClient := recovery.NewClient(logger, cfg.Backfill)
	trigger := backfill.NewTrigger(logger, backfillStore, recoveryClient,
		cacheProvider, cfg.Cache.LockTTL, cfg.Backfill, alerts)

	var busConn *bus.Bus
	if cfg.Bus.URL != "" {
		busConn, err = bus.Connect(cfg.Bus.URL, cfg.Bus.ConnectTimeout, logger)
		if err != nil {
			logger.Error("message bus unreachable", slog.Any("error", err))
			os.Exit(1)
		}
		defer busConn.Close()
	}

	publishGap := func(sig models.GapSignal) error {
		if busConn != nil {
			return busConn.PublishGap(cfg.Bus.GapSubject, sig)
		}
		return trigger.HandleGap(context.Background(), sig)
	}

	completeness := detect.NewCompletenessChecker(logger, warehouse, cfg.Completeness, alerts)
	svc := &api.Service{
		Freshness:    detect.NewFreshnessChecker(logger, warehouse, cfg.Freshness, alerts),
		Gaps:         detect.NewGapDetector(logger, blobClient, warehouse, cfg.Gaps, alerts, publishGap),
		Stalls:       detect.NewStallDetector(logger, warehouse, cfg.Stalls, alerts),
		Coverage:     detect.NewCoverageMonitor(logger, warehouse, cfg.Coverage, alerts),
		Latency:      detect.NewLatencyTracker(logger, warehouse, latencyHistory, cfg.Latency, alerts),
		Completeness: completeness,
		Backfill:     trigger,
		ActivityProbe: func(ctx context.Context, date time.Time) bool {
			n, err := warehouse.ScheduledGameCount(ctx, date)
			if err != nil {
				logger.Warn("activity probe failed, assuming active", slog.Any("error", err))
				return true
			}
			return n > 0
		},
		CheckTimeout: cfg.Server.CheckTimeout,
		Logger:       logger,
	}
	if busConn != nil {
		svc.DLQ = dlq.NewMonitor(logger, busConn, cfg.Bus.DLQ, alerts)
	}

	if busConn != nil {
		if _, err := busConn.SubscribeCompletion(cfg.Bus.CompletionSubject, func(sig models.CompletionSignal) {
			handlerCtx, cancel := handlerContext(cfg.Server.CheckTimeout)
			defer cancel()
			if _, err := completeness.HandleCompletion(handlerCtx, sig); err != nil {
				logger.Error("completion signal failed",
					slog.String("processor", sig.ProcessorName), slog.Any("error", err))
			}
		}); err != nil {
			logger.Error("subscribe completion signals", slog.Any("error", err))
			os.Exit(1)
		}
		if _, err := busConn.SubscribeGap(cfg.Bus.GapSubject, func(sig models.GapSignal) {
			handlerCtx, cancel := handlerContext(cfg.Server.CheckTimeout)
			defer cancel()
			if err := trigger.HandleGap(handlerCtx, sig); err != nil {
				logger.Error("gap signal failed",
					slog.String("gap_type", sig.GapType), slog.Any("error", err))
			}
		}); err != nil {
			logger.Error("subscribe gap signals", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Safety net for batched alerts when no backfill run comes along to
	// flush them.
	if cfg.Alerts.FlushInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Alerts.FlushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := alerts.FlushBatched(context.Background()); n > 0 {
						logger.Info("flushed batched alerts", slog.Int("count", n))
					}
				}
			}
		}()
	}

	server, err := api.NewServer(cfg.Server, svc)
	if err != nil {
		logger.Error("failed to create server", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
	defer cancel()
	server.Shutdown(shutdownCtx)

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("sentinel stopped")
}

func webhooks(name, url string, timeout time.Duration) []alert.Notifier {
	if url == "" {
		return nil
	}
	return []alert.Notifier{alert.NewWebhookNotifier(name, url, timeout)}
}

func handlerContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}
