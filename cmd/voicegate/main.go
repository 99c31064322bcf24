package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/christian-lee/voicegate/internal/config"
	"github.com/christian-lee/voicegate/internal/gateway"
	"github.com/christian-lee/voicegate/internal/metrics"
	"github.com/christian-lee/voicegate/internal/stt"
	"github.com/christian-lee/voicegate/internal/translate"
	"github.com/christian-lee/voicegate/internal/tts"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(); err != nil {
		slog.Error("voicegate exited with error", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	sttClient, err := stt.NewClient(cfg.STTProvider, cfg.STTAPIKey, "")
	if err != nil {
		return fmt.Errorf("init stt client: %w", err)
	}

	translator, err := translate.NewGeminiTranslator(ctx, cfg.LLMAPIKey, "gemini-2.0-flash", cfg.TranslatorTimeout)
	if err != nil {
		return fmt.Errorf("init translator: %w", err)
	}
	defer translator.Close()

	synth, err := tts.NewGoogleSynthesizer(ctx, cfg.TTSTimeout)
	if err != nil {
		return fmt.Errorf("init synthesizer: %w", err)
	}
	defer synth.Close()

	voices := config.NewHotVoices(cfg.VoicesConfigPath)
	voices.Watch()

	rec := metrics.NewRecorder(prometheus.DefaultRegisterer)

	gw := gateway.New(cfg, sttClient, translator, synth, voices, rec)

	go func() {
		if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("broadcast session ended unexpectedly", "err", err)
		}
	}()

	gw.Start()
	slog.Info("voicegate started", "port", cfg.Port, "stt_provider", cfg.STTProvider)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown error", "err", err)
	}

	return nil
}
