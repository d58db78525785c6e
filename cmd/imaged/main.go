package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/andreweick/hamlet-hamtramck/internal/blob"
	"github.com/andreweick/hamlet-hamtramck/internal/config"
	"github.com/andreweick/hamlet-hamtramck/internal/metadata"
	"github.com/andreweick/hamlet-hamtramck/internal/pipeline"
	"github.com/andreweick/hamlet-hamtramck/internal/queue"
	"github.com/andreweick/hamlet-hamtramck/internal/server"
	"github.com/andreweick/hamlet-hamtramck/internal/storage"
	"github.com/andreweick/hamlet-hamtramck/pkg/logger"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("failed to init record store", zap.Error(err))
	}
	defer records.Close()

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		zlog.Fatal("failed to init blob store", zap.Error(err))
	}

	var (
		producer queue.Producer
		consumer queue.Consumer
	)
	if cfg.KafkaBroker != "" {
		kq := queue.NewKafkaQueue(cfg.KafkaBroker, cfg.KafkaTopic, "image-metadata-workers")
		defer kq.Close()
		producer, consumer = kq, kq
	} else {
		cq := queue.NewChannelQueue(0, cfg.RetryBackoffBase.Std(), cfg.RetryBackoffCap.Std())
		defer cq.Close()
		producer, consumer = cq, cq
	}

	aggregator := metadata.NewAggregator(cfg.ExtractorTimeout.Std())
	orchestrator := pipeline.NewOrchestrator(records, blobs, aggregator, cfg.MaxAttempts, cfg.JobTimeout.Std(), zlog)

	workersDone := make(chan struct{})
	go func() {
		orchestrator.Run(ctx, consumer, cfg.WorkerCount)
		close(workersDone)
	}()
	go orchestrator.RunReclaimer(ctx, producer, cfg.JobTimeout.Std())

	srv := server.NewServer(cfg, records, blobs, producer, zlog)
	go func() {
		if err := srv.Start(); err != nil {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()
	zlog.Info("imaged started",
		zap.String("addr", cfg.ServerAddr),
		zap.Int("workers", cfg.WorkerCount),
		zap.String("blob_backend", cfg.Blob.Backend))

	<-ctx.Done()
	zlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("server forced to shut down", zap.Error(err))
	}

	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		zlog.Warn("workers did not drain before deadline")
	}
	zlog.Info("imaged exited")
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "minio":
		return blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.Blob.Minio.Endpoint,
			AccessKey: cfg.Blob.Minio.AccessKey,
			SecretKey: cfg.Blob.Minio.SecretKey,
			Bucket:    cfg.Blob.Minio.Bucket,
			UseSSL:    cfg.Blob.Minio.UseSSL,
		})
	default:
		return blob.NewFSStore(cfg.Blob.FSRoot)
	}
}
