package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the companion memory service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel string

	DatabaseURL   string
	MemoryBackend string
	EmbeddingDim  int

	EmbedServiceURL string

	BrainMode    string
	BrainHTTPURL string

	DebounceWindow    time.Duration
	GenerationTimeout time.Duration

	ExtractMinLength int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "mnemosyne"),
		AllowAnyOrigin:           false,
		LogLevel:                 envOrDefault("APP_LOG_LEVEL", "info"),
		DatabaseURL:              trimmedEnv("DATABASE_URL"),
		MemoryBackend:            envOrDefault("MEMORY_BACKEND", "memory"),
		EmbeddingDim:             1536,
		EmbedServiceURL:          trimmedEnv("EMBED_SERVICE_URL"),
		BrainMode:                envOrDefault("BRAIN_ADAPTER_MODE", "auto"),
		BrainHTTPURL:             trimmedEnv("BRAIN_HTTP_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		DebounceWindow:           500 * time.Millisecond,
		GenerationTimeout:        12 * time.Second,
		ExtractMinLength:         10,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DebounceWindow, err = durationFromEnv("TURN_DEBOUNCE_WINDOW", cfg.DebounceWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationTimeout, err = durationFromEnv("TURN_GENERATION_TIMEOUT", cfg.GenerationTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.EmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.ExtractMinLength, err = intFromEnv("EXTRACT_MIN_LENGTH", cfg.ExtractMinLength)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.DebounceWindow < 50*time.Millisecond {
		return Config{}, fmt.Errorf("TURN_DEBOUNCE_WINDOW must be at least 50ms")
	}
	if cfg.GenerationTimeout < time.Second {
		return Config{}, fmt.Errorf("TURN_GENERATION_TIMEOUT must be at least 1s")
	}
	if cfg.EmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if cfg.ExtractMinLength <= 0 {
		return Config{}, fmt.Errorf("EXTRACT_MIN_LENGTH must be positive")
	}
	switch cfg.MemoryBackend {
	case "memory", "chromem", "":
	default:
		return Config{}, fmt.Errorf("MEMORY_BACKEND must be one of memory, chromem")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
