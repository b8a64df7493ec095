package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/antoniostano/levigw/internal/calllog"
	"github.com/antoniostano/levigw/internal/config"
	"github.com/antoniostano/levigw/internal/egress"
	"github.com/antoniostano/levigw/internal/httpapi"
	"github.com/antoniostano/levigw/internal/observability"
	"github.com/antoniostano/levigw/internal/openclaw"
	"github.com/antoniostano/levigw/internal/protocol"
	"github.com/antoniostano/levigw/internal/providers"
	"github.com/antoniostano/levigw/internal/session"
	"github.com/antoniostano/levigw/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	archive, err := calllog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("call log store init failed: %v", err)
	}
	defer archive.Close()

	bridge := openclaw.NewBridge(openclaw.Options{
		BaseURL: cfg.BridgeURL,
		APIKey:  cfg.BridgeAPIKey,
		Timeout: cfg.BridgeTimeout,
		Logger:  logger,
		Metrics: metrics,
	})
	defer bridge.Close()
	if bridge.Enabled() {
		logger.Info("openclaw bridge enabled", "url", cfg.BridgeURL)
	} else {
		logger.Info("openclaw bridge disabled, session events stay local")
	}

	// Cloud STT/MT/TTS credentials are wired here when present; without
	// them the stubs keep the full pipeline exercisable end to end.
	stt := providers.NewBufferingStubSTT(cfg.StubSTTText, protocol.LangSpanish, 4)
	translator := providers.NewStaticTranslator()
	tts := providers.NewSilentTTS()
	logger.Info("providers selected", "stt", stt.Name(), "mt", translator.Name(), "tts", tts.Name())

	sessions := session.NewStore()
	egressStore := egress.NewStore(cfg.EgressMaxPerSession)

	var orch *voice.Orchestrator
	orch = voice.NewOrchestrator(voice.Params{
		Logger:           logger,
		Sessions:         sessions,
		STT:              stt,
		Translator:       translator,
		TTS:              tts,
		OutboundTarget:   cfg.OutboundTarget,
		MinFrameInterval: cfg.MinFrameInterval,
		OnTtsChunk: func(chunk protocol.TtsChunk) {
			size, dropped := egressStore.Enqueue(chunk)
			orch.ReportEgressStats(chunk.SessionID, size, dropped)
		},
		OnSessionEvent: func(event protocol.SessionEvent) {
			if event.Type == protocol.EventSessionEnded {
				stt.Forget(event.SessionID)
			}
			bridge.PublishSessionEvent(event)
		},
		Metrics: metrics,
		CallLog: archive,
	})

	api := httpapi.New(cfg, logger, sessions, orch, egressStore, bridge, metrics, archive)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		httpServer.Close()
	}

	logger.Info("shutdown complete")
}
