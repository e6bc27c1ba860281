package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bizmon/internal/config"
	"bizmon/internal/metrics"
	"bizmon/internal/metrics/datadog"
	"bizmon/internal/narrative"
	"bizmon/internal/ratelimit"
	"bizmon/internal/server"
	"bizmon/internal/storage"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "bizmon/internal/storage/all"
)

// main is the entry point for the bizmon binary. It loads configuration,
// optionally initializes a metrics backend, opens storage, and serves the
// HTTP API until interrupted.
func main() {
	var (
		addrFlg           string
		storageKindFlg    string
		storageDSNFlg     string
		metricsBackendFlg string
		validate          bool
	)

	flag.StringVar(&addrFlg, "addr", "", "listen address (overrides env ADDR)")
	flag.StringVar(&storageKindFlg, "storage", "", "storage backend: sqlite, postgres, mssql (overrides env STORAGE_KIND)")
	flag.StringVar(&storageDSNFlg, "dsn", "", "storage DSN (overrides env STORAGE_DSN)")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "", "metrics backend to use (e.g. datadog, none)")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")
	flag.Parse()

	cfg := config.FromEnv()
	if addrFlg != "" {
		cfg.Addr = addrFlg
	}
	if storageKindFlg != "" {
		cfg.Storage.Kind = storageKindFlg
	}
	if storageDSNFlg != "" {
		cfg.Storage.DSN = storageDSNFlg
	}
	if metricsBackendFlg != "" {
		cfg.Metrics.Backend = metricsBackendFlg
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasError(issues) {
		log.Printf("Configuration is invalid")
		os.Exit(1)
	}
	if validate {
		log.Printf("Configuration is valid")
		os.Exit(0)
	}

	switch cfg.Metrics.Backend {
	case "datadog":
		// The Datadog backend buffers metrics and submits periodically,
		// with one final submit at shutdown (Close()).
		extraTags := datadog.ParseTagsCSV(cfg.Metrics.Tags)

		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName:    "bizmon",
			Tags:       extraTags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
		} else {
			log.Printf("metrics: backend=datadog tags=%v", extraTags)
			metrics.SetBackend(b)
			defer func() {
				if err := b.Close(); err != nil {
					log.Printf("metrics: datadog close/flush error: %v", err)
				}
			}()
		}

	case "", "none":
		// metrics disabled; nop backend remains
		if *verbose {
			log.Printf("metrics: disabled (backend=%q)", cfg.Metrics.Backend)
		}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", cfg.Metrics.Backend)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := storage.Open(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		fatalf("open storage: %v", err)
	}
	defer repo.Close()

	if err := repo.EnsureCanonical(ctx); err != nil {
		fatalf("ensure canonical table: %v", err)
	}

	limiter := ratelimit.New(map[string]int{
		"upload": cfg.RateLimit.UploadPerMinute,
		"ai":     cfg.RateLimit.AIPerMinute,
	})

	narrator := buildNarrator(cfg.AI)

	logger := log.New(os.Stderr, "", log.LstdFlags)
	srv := server.New(repo, limiter, narrator, cfg.Upload.MaxBytes, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s (storage=%s ai_enabled=%t)", cfg.Addr, cfg.Storage.Kind, cfg.AI.Enabled)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalf("serve: %v", err)
		}
	}
}

// buildNarrator assembles the provider chain in preference order:
// OpenAI, then Google, then HuggingFace. Providers without a key are
// left out entirely so the orchestrator never wastes an attempt.
func buildNarrator(ai config.AIConfig) *narrative.Orchestrator {
	var providers []narrative.Provider
	if ai.OpenAIKey != "" {
		providers = append(providers, &narrative.OpenAI{APIKey: ai.OpenAIKey, Model: ai.OpenAIModel})
	}
	if ai.GoogleKey != "" {
		providers = append(providers, &narrative.Google{APIKey: ai.GoogleKey, Models: ai.GoogleModels})
	}
	if ai.HuggingFaceKey != "" {
		providers = append(providers, &narrative.HuggingFace{APIKey: ai.HuggingFaceKey, Model: ai.HuggingFaceModel})
	}
	return &narrative.Orchestrator{
		Providers: providers,
		Enabled:   ai.Enabled && len(providers) > 0,
		Timeout:   ai.Timeout,
		Log:       log.Default(),
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
