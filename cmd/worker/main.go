package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/northstar-et/backend/internal/config"
	"github.com/northstar-et/backend/internal/db"
	"github.com/northstar-et/backend/internal/events"
	"github.com/northstar-et/backend/internal/repositories"
	"github.com/northstar-et/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	auditRepo := repositories.NewAuditRepo(pool)
	exportRepo := repositories.NewExportRepo(pool)

	// Services
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)
	exportService := services.NewExportService(auditRepo, exportRepo, publisher, cfg, log)

	log.Info("worker started")

	// New-job events nudge the loop so big exports start without waiting a
	// full poll interval. The ticker alone is still sufficient.
	nudge := make(chan struct{}, 1)
	_ = subscriber.Subscribe(ctx, events.StreamExport, func(event events.Event) {
		if event.Type == events.EventExportRequested {
			select {
			case nudge <- struct{}{}:
			default:
			}
		}
	})

	pollTicker := time.NewTicker(cfg.WorkerPollInterval)
	defer pollTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-pollTicker.C:
			drainExportJobs(ctx, exportService, log)
		case <-nudge:
			drainExportJobs(ctx, exportService, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		}
	}
}

func drainExportJobs(ctx context.Context, exportService *services.ExportService, log *zap.Logger) {
	for {
		ran, err := exportService.RunNextJob(ctx)
		if err != nil {
			log.Error("export job run failed", zap.Error(err))
			return
		}
		if !ran {
			return
		}
	}
}
