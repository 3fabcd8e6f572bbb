package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradeindex/channel"
	"tradeindex/config"
	"tradeindex/dashboard"
	"tradeindex/ingest"
	"tradeindex/loader"
	"tradeindex/logger"
	"tradeindex/publisher"
	"tradeindex/query"
	"tradeindex/storage"
	"tradeindex/store"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tradeindex.Name,
		"version": cfg.Tradeindex.Version,
	}).Info("starting tradeindex")

	logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Tradeindex.Name, cfg.Logging.DashboardName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	objects, err := storage.NewS3ObjectStore(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create S3 object store")
		os.Exit(1)
	}

	var queue ingest.NotificationQueue
	if cfg.EventDriven() {
		sqsQueue, err := storage.NewSQSQueue(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create SQS queue")
			os.Exit(1)
		}
		queue = sqsQueue
	}

	tradeStore := store.New()
	api := query.New(tradeStore)
	objectLoader := loader.New(objects)
	coordinator := ingest.NewCoordinator(cfg, objects, queue, objectLoader, tradeStore)

	result, err := coordinator.Backfill(ctx)
	if err != nil {
		log.WithError(err).Error("initial backfill failed")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{
		"files_processed": result.FilesProcessed,
		"entries_loaded":  result.EntriesLoaded,
		"errors":          len(result.Errors),
	}).Info("initial backfill finished")

	if err := coordinator.StartWatching(); err != nil {
		log.WithError(err).Error("failed to start watcher")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	channels := channel.NewChannels(cfg.Channels.TradeBuffer)
	defer channels.Close()
	go channels.StartMetricsReporting(ctx)

	var windowPublisher *publisher.Publisher
	if cfg.Publisher.Enabled {
		windowPublisher = publisher.New(cfg, channels.Trades, objects)
		if err := windowPublisher.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start publisher")
			os.Exit(1)
		}
	}

	dashboardServer := dashboard.NewServer(cfg, tradeStore, api, coordinator, objects, log)
	if dashboardServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dashboardServer.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard server failed")
			}
		}()
		log.WithFields(logger.Fields{"address": dashboardServer.Address()}).Info("dashboard started")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping coordinator")
	coordinator.StopWatching()

	if windowPublisher != nil {
		log.Info("stopping publisher")
		windowPublisher.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tradeindex stopped")
}
