package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/matteoluc/spindle/internal/config"
	"github.com/matteoluc/spindle/internal/conversation"
	"github.com/matteoluc/spindle/internal/graph"
	"github.com/matteoluc/spindle/internal/httpapi"
	"github.com/matteoluc/spindle/internal/memory"
	"github.com/matteoluc/spindle/internal/observability"
	"github.com/matteoluc/spindle/internal/policy"
	"github.com/matteoluc/spindle/internal/session"
	"github.com/matteoluc/spindle/internal/translate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(512)
	audit := observability.NewAudit(logger)

	ctx := context.Background()
	backend, err := memory.Open(ctx, cfg.MemoryBackend, memory.ConnectionParams{
		DSN:    cfg.PostgresDSN,
		Table:  cfg.DynamoTable,
		Region: cfg.DynamoRegion,
	})
	if err != nil {
		log.Fatalf("memory backend init failed: %v", err)
	}
	store := memory.NewAdapter(backend, cfg.MigrationBatchSize, logger)
	defer store.Close()
	logger.Info("memory backend ready", zap.String("backend", backend.Name()))

	translator, err := translate.NewTranslator(translate.Config{
		Mode: cfg.TranslatorMode,
		URL:  cfg.TranslatorURL,
	})
	if err != nil {
		log.Fatalf("translator init failed: %v", err)
	}
	broker, err := translate.NewBroker(translator, cfg.CandidateMaxTopK, cfg.TranslatorTimeout)
	if err != nil {
		log.Fatalf("translation broker init failed: %v", err)
	}

	graphClient, err := graph.NewClient(graph.Config{
		Mode: cfg.GraphMode,
		URL:  cfg.GraphHTTPURL,
	})
	if err != nil {
		log.Fatalf("graph client init failed: %v", err)
	}
	executor := graph.NewExecutor(graphClient, graph.NewBridge(cfg.SearchBridgeURL), cfg.QueryTimeout)

	redactor, err := policy.NewRedactor(cfg.PIIFieldPatterns)
	if err != nil {
		log.Fatalf("redactor init failed: %v", err)
	}
	scrubber, err := policy.NewBrandScrubber(cfg.ProtectedTerms)
	if err != nil {
		log.Fatalf("brand scrubber init failed: %v", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)

	orchestrator := conversation.NewOrchestrator(conversation.Options{
		Sessions:      sessions,
		Broker:        broker,
		Executor:      executor,
		Store:         store,
		Redactor:      redactor,
		Scrubber:      scrubber,
		Audit:         audit,
		Metrics:       metrics,
		Stages:        stages,
		Logger:        logger,
		PresentedTopK: cfg.PresentedTopK,
	})

	sessions.SetExpireHook(func(s *session.Session) {
		orchestrator.EndSession(s.ID)
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, orchestrator, store, metrics, stages)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
