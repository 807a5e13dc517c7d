package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mealsnap/internal/adapter/repo"
	"mealsnap/internal/domain"
	"mealsnap/internal/infra"
	"mealsnap/internal/providers/vision"
	"mealsnap/internal/recognition"
	"mealsnap/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("worker: DATABASE_URL is required; without it the API serves tasks in-process")
	}
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	tasks := repo.NewTaskRepository(pool)
	if err := tasks.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to ensure schema")
	}

	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		logger.Warn().Str("model", cfg.GeminiModel).Msg("worker: gemini api key missing, using synthetic recognition")
	}
	recognizer := vision.NewClient(vision.Options{
		APIKey:     cfg.GeminiAPIKey,
		Model:      cfg.GeminiModel,
		BaseURL:    cfg.GeminiBaseURL,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Logger:     &logger,
	})

	executor := recognition.NewExecutor(recognition.ExecutorOptions{
		Repo:            tasks,
		Recognizer:      recognizer,
		EnergyUnit:      domain.EnergyUnit(cfg.EnergyUnit),
		WeightUnit:      domain.WeightUnit(cfg.WeightUnit),
		DefaultLanguage: cfg.DefaultLanguage,
		Logger:          logger,
	})

	dispatcher := worker.NewDispatcher(worker.Options{
		Repo:        tasks,
		Executor:    executor,
		Concurrency: cfg.WorkerConcurrency,
		MaxAttempts: cfg.WorkerMaxAttempts,
		BackoffBase: cfg.WorkerBackoffBase,
		Logger:      logger,
	})

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
