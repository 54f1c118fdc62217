package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
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
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Single-process mode: sqlite, in-memory queue and filesystem object storage.
// Everything else is the same wiring the api and worker binaries use.

type Config struct {
	Root   string `env:"ROOT" envDefault:"./labelling-platform"`
	Port   int    `env:"PORT" envDefault:"3001"`
	Bucket string `env:"BUCKET_NAME" envDefault:"annotation-data"`
}

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "labelling-platform.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

// createQueue replays rows the broker never processed. The in-memory queue
// loses everything on restart, so the audit table is the recovery source.
func createQueue(db *gorm.DB, routes map[string]string) *messaging.InMemoryQueue {
	queue := messaging.NewInMemoryQueue()

	var unprocessed []database.QueueTask
	if err := db.Where("status IN ?",
		[]string{database.TaskPending, database.TaskProcessing}).
		Order("creation_time asc").
		Find(&unprocessed).Error; err != nil {
		log.Fatalf("Failed to fetch tasks from database: %v", err)
	}

	for _, task := range unprocessed {
		lane, ok := routes[task.TaskType]
		if !ok {
			lane = messaging.DefaultLane
		}

		var resourceId, annotationId *uuid.UUID
		if task.ResourceId.Valid {
			id := task.ResourceId.UUID
			resourceId = &id
		}
		if task.AnnotationId.Valid {
			id := task.AnnotationId.UUID
			annotationId = &id
		}

		_, err := queue.Publish(context.Background(), lane, messaging.TaskMessage{
			TaskId:         task.Id,
			TaskType:       task.TaskType,
			AnnotationType: task.AnnotationType,
			ProjectId:      task.ProjectId,
			ResourceId:     resourceId,
			AnnotationId:   annotationId,
			IdempotencyKey: dispatch.IdempotencyKey(task.TaskType, task.AnnotationType, task.Id),
			Payload:        json.RawMessage(task.Payload),
		})
		if err != nil {
			log.Fatalf("Failed to replay queue task %s: %v", task.Id, err)
		}
	}

	if len(unprocessed) > 0 {
		log.Printf("replayed %d unprocessed queue tasks", len(unprocessed))
	}

	return queue
}

func createServer(store *annotations.Store, dispatcher *dispatch.Dispatcher, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", api.Health())

	apiHandler := api.NewBackendService(store, dispatcher)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	log.Println("Starting local single-process server...")

	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db := createDatabase(cfg.Root)

	objects := storage.NewLocalProvider(filepath.Join(cfg.Root, "objects"))
	if err := objects.CreateBucket(context.Background(), cfg.Bucket); err != nil {
		log.Fatalf("Failed to create bucket: %v", err)
	}

	routes := dispatch.DefaultRoutes()
	queue := createQueue(db, routes)
	defer queue.Close()

	dispatcher := dispatch.NewDispatcher(db, queue, routes)
	store := annotations.NewStore(db, objects, cfg.Bucket, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	worker := messaging.Worker{
		Receiver:    queue,
		Completion:  dispatch.NewCompletion(db),
		Handlers:    dispatch.Handlers(db, objects, cfg.Bucket),
		Concurrency: 1,
		WaitGroup:   &wg,
	}
	worker.Start(ctx)

	server := createServer(store, dispatcher, cfg.Port)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("Server listening on port %d", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	cancel()
	wg.Wait()

	log.Println("Server stopped.")
}
