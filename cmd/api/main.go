package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mealsnap/internal/adapter/repo"
	"mealsnap/internal/domain"
	"mealsnap/internal/http/handlers"
	"mealsnap/internal/http/httpapi"
	"mealsnap/internal/infra"
	"mealsnap/internal/infra/geoip"
	"mealsnap/internal/middleware"
	"mealsnap/internal/providers/vision"
	"mealsnap/internal/recognition"
	"mealsnap/internal/upload"
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

	// Task repository: Postgres when configured, in-memory otherwise. The
	// in-memory mode also runs the recognition dispatcher in-process so a
	// single binary serves the full pipeline during development.
	var tasks domain.TaskRepository
	embeddedDispatch := false
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()
		pg := repo.NewTaskRepository(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure schema")
		}
		tasks = pg
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory task store with embedded dispatch")
		tasks = repo.NewMemoryTaskRepository()
		embeddedDispatch = true
	}

	app := handlers.NewApp(tasks, logger)

	chunks, err := upload.NewFileStore(cfg.UploadDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure upload storage")
	}
	uploads := upload.NewHandler(chunks, "/v1/uploads", cfg.UploadMaxSize, app.HandleUploadComplete, logger)
	go upload.NewJanitor(chunks, cfg.UploadSessionTTL, logger).Run(ctx)

	var countryLookup middleware.CountryLookup
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip database unavailable, language detection falls back to headers")
	} else if resolver != nil {
		defer func() {
			_ = resolver.Close()
		}()
		countryLookup = resolver.CountryCode
	}

	router := httpapi.NewRouter(httpapi.Options{
		App:             app,
		Upload:          uploads,
		Logger:          logger,
		DefaultLanguage: cfg.DefaultLanguage,
		CountryLookup:   countryLookup,
	})

	if embeddedDispatch {
		executor := recognition.NewExecutor(recognition.ExecutorOptions{
			Repo: tasks,
			Recognizer: vision.NewClient(vision.Options{
				APIKey:  cfg.GeminiAPIKey,
				Model:   cfg.GeminiModel,
				BaseURL: cfg.GeminiBaseURL,
				Logger:  &logger,
			}),
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
		go func() {
			_ = dispatcher.Run(ctx)
		}()
	}

	server := infra.NewHTTPServer(cfg, router)
	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
