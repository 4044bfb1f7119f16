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

	"github.com/rs/zerolog"

	"github.com/tommasoluna/mnemosyne/internal/brain"
	"github.com/tommasoluna/mnemosyne/internal/config"
	"github.com/tommasoluna/mnemosyne/internal/dialogue"
	"github.com/tommasoluna/mnemosyne/internal/embed"
	"github.com/tommasoluna/mnemosyne/internal/extract"
	"github.com/tommasoluna/mnemosyne/internal/httpapi"
	"github.com/tommasoluna/mnemosyne/internal/memory"
	"github.com/tommasoluna/mnemosyne/internal/observability"
	"github.com/tommasoluna/mnemosyne/internal/persona"
	"github.com/tommasoluna/mnemosyne/internal/session"
	"github.com/tommasoluna/mnemosyne/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config error")
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var embedder embed.Embedder
	if cfg.EmbedServiceURL != "" {
		embedder = embed.NewHTTPEmbedder(cfg.EmbedServiceURL, cfg.EmbeddingDim)
		log.Info().Str("url", cfg.EmbedServiceURL).Msg("embedder: http")
	} else {
		embedder = embed.NewMockEmbedder(cfg.EmbeddingDim)
		log.Info().Msg("embedder: mock (no EMBED_SERVICE_URL)")
	}

	ctx := context.Background()
	store, err := memory.NewStore(ctx, cfg.DatabaseURL, cfg.MemoryBackend, embedder, cfg.EmbeddingDim)
	if err != nil {
		log.Fatal().Err(err).Msg("memory store init failed")
	}
	defer store.Close()

	adapter, err := brain.NewAdapter(brain.Config{
		Mode:    cfg.BrainMode,
		HTTPURL: cfg.BrainHTTPURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("brain adapter init failed")
	}

	personas := persona.NewRegistry()
	extractor := extract.NewExtractor(adapter, embedder, metrics, cfg.ExtractMinLength, log)
	flows := dialogue.NewFlowTracker()
	assembler := dialogue.NewAssembler(store, flows, log)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(sess *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		flows.Forget(sess.ID)
		if sess.EndedAt != nil {
			endCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := store.EndSession(endCtx, sess.ID, *sess.EndedAt); err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to persist expired session")
			}
		}
	})

	orchestrator := voice.NewOrchestrator(
		sessions,
		adapter,
		store,
		assembler,
		personas,
		extractor,
		voice.NewMockSTTProvider(),
		voice.NewMockTTSProvider(),
		metrics,
		cfg.DebounceWindow,
		cfg.GenerationTimeout,
		log,
	)

	api := httpapi.New(cfg, sessions, orchestrator, personas, store, extractor, metrics, log)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}
