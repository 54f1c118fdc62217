package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shadowrockzzz/labelling-platform-backend/cmd"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/annotations"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/api"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/auth"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/database"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/dispatch"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/messaging"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type APIConfig struct {
	DatabaseURL       string        `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string        `env:"RABBITMQ_URL,notEmpty,required"`
	S3EndpointURL     string        `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string        `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string        `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string        `env:"AWS_REGION" envDefault:"us-east-1"`
	BucketName        string        `env:"BUCKET_NAME" envDefault:"annotation-data"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	ReconcileAge      time.Duration `env:"RECONCILE_AGE" envDefault:"5m"`
	APIPort           string        `env:"API_PORT" envDefault:"8001"`
}

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	var cfg APIConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
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
		log.Fatalf("Failed to create object storage client: %v", err)
	}

	if err := objects.CreateBucket(context.Background(), cfg.BucketName); err != nil {
		log.Fatalf("Failed to create bucket: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	dispatcher := dispatch.NewDispatcher(db, publisher, dispatch.DefaultRoutes())
	store := annotations.NewStore(db, objects, cfg.BucketName, dispatcher)

	// Background sweep for audit rows the broker never acknowledged.
	reconcileCtx, cancelReconcile := context.WithCancel(context.Background())
	defer cancelReconcile()
	go func() {
		ticker := time.NewTicker(cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := dispatcher.ReconcilePending(reconcileCtx, cfg.ReconcileAge); err != nil {
					log.Printf("reconcile sweep failed: %v", err)
				}
			case <-reconcileCtx.Done():
				return
			}
		}
	}()

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", auth.UserIdHeader, auth.CapabilitiesHeader},
		AllowCredentials: false,
	}))
	r.Get("/health", api.Health())

	apiHandler := api.NewBackendService(store, dispatcher)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		apiHandler.AddRoutes(r)
	})

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("API server listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
