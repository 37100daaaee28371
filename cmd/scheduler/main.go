package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/inkwell-go/internal/services/scheduler"
	settingsrepo "github.com/inkwell-go/internal/services/settings/repository"
	"github.com/inkwell-go/internal/services/workflows"
	"github.com/inkwell-go/pkg/config"
	"github.com/inkwell-go/pkg/database"
	"github.com/inkwell-go/pkg/events"
	"github.com/inkwell-go/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load("scheduler")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger.ToLoggerConfig())

	db, err := database.New(cfg.Database.ToDatabaseConfig())
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", "error", err)
	}

	eventBus, err := events.NewKafkaEventBus(cfg.Kafka.ToKafkaConfig())
	if err != nil {
		log.Fatal("Failed to create event bus", "error", err)
	}

	// the scheduler only needs the task registry metadata, not the
	// workflow dependencies themselves
	registry := workflows.Registry(&workflows.Deps{Logger: log})

	s := scheduler.New(
		settingsrepo.NewRepository(db),
		eventBus,
		registry,
		redisClient,
		cfg.Scheduler.LockTTL(),
		log,
	)
	if err := s.Start(); err != nil {
		log.Fatal("Failed to start scheduler", "error", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down scheduler...")
	s.Stop()

	if err := eventBus.Close(); err != nil {
		log.Error("Failed to close event bus", "error", err)
	}
	if err := redisClient.Close(); err != nil {
		log.Error("Failed to close Redis", "error", err)
	}
	if err := db.Close(); err != nil {
		log.Error("Failed to close database", "error", err)
	}

	log.Info("Scheduler exited")
}
