package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	UploadDir        string
	UploadMaxSize    int64
	UploadSessionTTL time.Duration

	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string

	EnergyUnit      string
	WeightUnit      string
	DefaultLanguage string
	GeoIPDBPath     string

	WorkerConcurrency int
	WorkerMaxAttempts int
	WorkerBackoffBase time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed. DATABASE_URL is optional: without it the API falls
// back to the in-memory task store with in-process dispatch, which keeps
// local and CI environments free of external services.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		UploadDir:         getEnv("UPLOAD_DIR", "./uploads"),
		UploadMaxSize:     int64(getEnvInt("UPLOAD_MAX_SIZE_BYTES", 100*1024*1024)),
		UploadSessionTTL:  time.Minute * time.Duration(getEnvInt("UPLOAD_SESSION_TTL_MINUTES", 24*60)),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		GeminiBaseURL:     getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		EnergyUnit:        getEnv("ENERGY_UNIT", "kcal"),
		WeightUnit:        getEnv("WEIGHT_UNIT", "g"),
		DefaultLanguage:   getEnv("DEFAULT_LANGUAGE", "en"),
		GeoIPDBPath:       os.Getenv("GEOIP_DB_PATH"),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 2),
		WorkerMaxAttempts: getEnvInt("WORKER_MAX_ATTEMPTS", 3),
		WorkerBackoffBase: time.Second * time.Duration(getEnvInt("WORKER_BACKOFF_BASE_SECONDS", 30)),
		HTTPReadTimeout:   time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 60)),
		HTTPWriteTimeout:  time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 60)),
		HTTPIdleTimeout:   time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.UploadMaxSize <= 0 {
		return nil, fmt.Errorf("UPLOAD_MAX_SIZE_BYTES must be positive")
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerMaxAttempts <= 0 {
		cfg.WorkerMaxAttempts = 1
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
