package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Errorf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.MemoryBackend != "memory" {
		t.Errorf("MemoryBackend = %q, want memory", cfg.MemoryBackend)
	}
	if cfg.DebounceWindow != 500*time.Millisecond {
		t.Errorf("DebounceWindow = %v, want 500ms", cfg.DebounceWindow)
	}
	if cfg.GenerationTimeout != 12*time.Second {
		t.Errorf("GenerationTimeout = %v, want 12s", cfg.GenerationTimeout)
	}
	if cfg.EmbeddingDim != 1536 {
		t.Errorf("EmbeddingDim = %d, want 1536", cfg.EmbeddingDim)
	}
	if cfg.ExtractMinLength != 10 {
		t.Errorf("ExtractMinLength = %d, want 10", cfg.ExtractMinLength)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_BIND_ADDR", ":9999")
	t.Setenv("TURN_DEBOUNCE_WINDOW", "250ms")
	t.Setenv("TURN_GENERATION_TIMEOUT", "5s")
	t.Setenv("MEMORY_BACKEND", "chromem")
	t.Setenv("MEMORY_EMBEDDING_DIM", "384")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != ":9999" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.DebounceWindow != 250*time.Millisecond {
		t.Errorf("DebounceWindow = %v", cfg.DebounceWindow)
	}
	if cfg.GenerationTimeout != 5*time.Second {
		t.Errorf("GenerationTimeout = %v", cfg.GenerationTimeout)
	}
	if cfg.MemoryBackend != "chromem" {
		t.Errorf("MemoryBackend = %q", cfg.MemoryBackend)
	}
	if cfg.EmbeddingDim != 384 {
		t.Errorf("EmbeddingDim = %d", cfg.EmbeddingDim)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"TURN_DEBOUNCE_WINDOW":    "10ms",
		"TURN_GENERATION_TIMEOUT": "100ms",
		"MEMORY_EMBEDDING_DIM":    "-1",
		"MEMORY_BACKEND":          "redis",
		"EXTRACT_MIN_LENGTH":      "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load accepted %s=%s", key, value)
			}
		})
	}
}

func TestLoadRejectsUnparseable(t *testing.T) {
	t.Setenv("TURN_DEBOUNCE_WINDOW", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Fatal("Load accepted unparseable duration")
	}
}
