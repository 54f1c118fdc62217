package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/shadowrockzzz/labelling-platform-backend/internal/config"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/database"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/dispatch"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/messaging"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/storage"
)

func main() {
	log.Println("Starting Worker Process...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	objects, err := storage.NewS3Provider(&storage.S3ProviderConfig{
		S3EndpointURL:     cfg.S3EndpointURL,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
		S3Region:          cfg.S3Region,
	})
	if err != nil {
		log.Fatalf("Worker: Failed to create object storage client: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Worker: Failed to connect to RabbitMQ: %v", err)
	}
	defer receiver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	worker := messaging.Worker{
		Receiver:    receiver,
		Completion:  dispatch.NewCompletion(db),
		Handlers:    dispatch.Handlers(db, objects, cfg.BucketName),
		Concurrency: cfg.WorkerConcurrency,
		WaitGroup:   &wg,
	}
	worker.Start(ctx)

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, waiting for workers to finish...")

	cancel()
	wg.Wait()

	log.Println("Worker process stopped.")
}
