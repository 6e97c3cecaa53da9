package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"voice-transcribe-go/internal/api"
	"voice-transcribe-go/internal/config"
	"voice-transcribe-go/internal/events"
	"voice-transcribe-go/internal/llm"
	"voice-transcribe-go/internal/logger"
	"voice-transcribe-go/internal/pipeline"
	"voice-transcribe-go/internal/reconcile"
	"voice-transcribe-go/internal/recovery"
	"voice-transcribe-go/internal/registry"
	"voice-transcribe-go/internal/transcription"
	"voice-transcribe-go/internal/upload"
)

func main() {
	cfg := config.Load() // loads .env

	log := logger.New()
	log.WithField("service", "voice-transcribe-go").Info("starting service")

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// job store: postgres when configured, otherwise process memory
	var store registry.Store
	if cfg.Server.DatabaseURL != "" {
		pg, err := registry.OpenPostgres(ctx, cfg.Server.DatabaseURL, log)
		if err != nil {
			log.WithError(err).Fatal("failed to open job store")
		}
		defer pg.Close()
		store = pg
		log.Info("using postgres job store")
	} else {
		store = registry.NewMemoryStore()
		log.Warn("DATABASE_URL not set, jobs are kept in memory only")
	}

	reg := registry.New(store, log)
	tracker := events.NewTracker(reg, log)
	engine := transcription.NewClient(cfg.Engine.BaseURL, log)
	uploader := upload.NewCoordinator(engine, log,
		upload.WithMaxRetries(cfg.Engine.MaxRetries),
		upload.WithMaxBytes(cfg.Engine.MaxUploadBytes),
	)

	var gwOpts []reconcile.Option
	if cfg.LLM.GatewayURL != "" {
		completer := llm.NewClient(cfg.LLM.GatewayURL, cfg.LLM.APIKey, cfg.LLM.Timeout, log)
		summaryModel := cfg.LLM.SummaryModel
		if summaryModel == "" {
			summaryModel = cfg.LLM.Model
		}
		orchestrator := pipeline.New(completer, tracker, pipeline.Models{
			Correction:     cfg.LLM.Model,
			Identification: cfg.LLM.Model,
			Summary:        summaryModel,
		}, log)
		gwOpts = append(gwOpts, reconcile.WithPipeline(orchestrator))
		log.WithField("model", cfg.LLM.Model).Info("AI pipeline enabled")
	} else {
		log.Warn("LLM_GATEWAY_URL not set, transcripts are stored without AI processing")
	}
	gateway := reconcile.New(reg, tracker, engine, cfg.Webhook.Secret, log, gwOpts...)

	webhookURL := cfg.WebhookURL()
	if webhookURL == "" {
		log.Warn("PUBLIC_URL not set, the engine will not push updates; clients must poll")
	}
	recoverer := recovery.New(reg, tracker, uploader, log, recovery.WithWebhookURL(webhookURL))

	handler := api.NewHandler(reg, tracker, gateway, uploader, recoverer, api.Options{
		WebhookHeader:   cfg.Webhook.Header,
		WebhookURL:      webhookURL,
		DefaultLanguage: cfg.Engine.DefaultLanguage,
	}, log)

	go runCleanup(ctx, reg, cfg.Jobs, log)

	// Submit answers only after the engine upload, so the response may wait
	// for every retry of the largest accepted file.
	const readTimeout = 5 * time.Minute
	writeTimeout := readTimeout + uploader.Budget(cfg.Engine.MaxUploadBytes) + time.Minute

	addr := fmt.Sprintf(":%s", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  readTimeout, // large multipart uploads
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).WithField("write_timeout", writeTimeout.String()).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server terminated")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
	gateway.Wait()
	log.Info("stopped")
}

// runCleanup removes terminal jobs past the retention window.
func runCleanup(ctx context.Context, reg *registry.Registry, cfg config.JobsConfig, log *logger.Logger) {
	if cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := reg.Cleanup(ctx, cfg.Retention)
			if err != nil {
				log.WithError(err).Warn("job cleanup failed")
				continue
			}
			if n > 0 {
				log.WithField("removed", n).Info("expired jobs removed")
			}
		}
	}
}
