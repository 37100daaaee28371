package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inkwell-go/internal/domain/execution"
	"github.com/inkwell-go/internal/domain/library"
	"github.com/inkwell-go/internal/domain/settings"
	"github.com/inkwell-go/internal/services/embeddings"
	executionlogging "github.com/inkwell-go/internal/services/execution/logging"
	executionrepo "github.com/inkwell-go/internal/services/execution/repository"
	libraryrepo "github.com/inkwell-go/internal/services/library/repository"
	"github.com/inkwell-go/internal/services/ops"
	"github.com/inkwell-go/internal/services/remote"
	"github.com/inkwell-go/internal/services/runtime"
	settingsrepo "github.com/inkwell-go/internal/services/settings/repository"
	"github.com/inkwell-go/internal/services/vault"
	"github.com/inkwell-go/internal/services/workflows"
	"github.com/inkwell-go/pkg/config"
	"github.com/inkwell-go/pkg/database"
	"github.com/inkwell-go/pkg/events"
	"github.com/inkwell-go/pkg/logger"
)

func main() {
	cfg, err := config.Load("worker")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger.ToLoggerConfig())

	db, err := database.New(cfg.Database.ToDatabaseConfig())
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}

	err = db.Migrate(
		&execution.LogEntry{},
		&execution.StepRecord{},
		&settings.TenantSettings{},
		&library.Book{},
		&library.Highlight{},
		&library.Spark{},
		&library.Category{},
		&library.Tag{},
		&library.SparkCategory{},
		&library.SparkTag{},
		&library.HighlightTag{},
		&library.Automation{},
		&library.AutomationAction{},
	)
	if err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	eventBus, err := events.NewKafkaEventBus(cfg.Kafka.ToKafkaConfig())
	if err != nil {
		log.Fatal("Failed to create event bus", "error", err)
	}

	tokenVault, err := vault.New(cfg.Vault.EncryptionKey, log)
	if err != nil {
		log.Fatal("Failed to initialize vault", "error", err)
	}

	executionRepo := executionrepo.NewRepository(db)
	libraryRepo := libraryrepo.NewRepository(db)
	settingsRepo := settingsrepo.NewRepository(db)

	readwiseCfg := remote.Config{
		BaseURL:      cfg.Readwise.BaseURL,
		ListDelay:    time.Duration(cfg.Readwise.ListDelayMS) * time.Millisecond,
		DefaultDelay: time.Duration(cfg.Readwise.DefaultDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Readwise.MaxDelayMS) * time.Millisecond,
		PageCap:      cfg.Readwise.PageCap,
	}

	deps := &workflows.Deps{
		Library:  libraryRepo,
		Settings: settingsRepo,
		Cipher:   tokenVault,
		Remote: func(token string) workflows.RemoteClient {
			return remote.NewClient(readwiseCfg, token, log)
		},
		Sparks: remote.NewSparkImportClient(readwiseCfg, log),
		Embedder: embeddings.NewClient(embeddings.Config{
			BaseURL:           cfg.Embeddings.BaseURL,
			APIKey:            cfg.Embeddings.APIKey,
			Model:             cfg.Embeddings.Model,
			BatchSize:         cfg.Embeddings.BatchSize,
			RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
		}, log),
		EmbedSelectLimit: cfg.Embeddings.SelectLimit,
		EmbedBatchSize:   cfg.Embeddings.BatchSize,
		Logger:           log,
	}

	mirror := executionlogging.NewMirror(executionRepo, log)
	runner := runtime.NewRunner(executionRepo, []runtime.Observer{mirror}, log)

	if err := workflows.Attach(eventBus, runner, workflows.All(deps)); err != nil {
		log.Fatal("Failed to subscribe workflows", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := eventBus.Start(ctx); err != nil {
			log.Error("Event bus stopped", "error", err)
		}
	}()

	opsHandlers := ops.NewHandlers(executionRepo, workflows.Registry(deps), eventBus, log)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Worker.OpsPort),
		Handler: ops.NewRouter(opsHandlers, log),
	}
	go func() {
		log.Info("Starting worker ops server", "port", cfg.Worker.OpsPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start ops server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down worker...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Worker.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Ops server forced to shutdown", "error", err)
	}
	if err := eventBus.Close(); err != nil {
		log.Error("Failed to close event bus", "error", err)
	}
	if err := db.Close(); err != nil {
		log.Error("Failed to close database", "error", err)
	}

	log.Info("Worker exited")
}
