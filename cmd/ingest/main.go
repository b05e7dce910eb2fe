package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"gwi.com/faq-responder/internal/config"
	"gwi.com/faq-responder/internal/core"
	"gwi.com/faq-responder/internal/logger"
	"gwi.com/faq-responder/internal/store"
)

var cli struct {
	Path       string `arg:"" optional:"" help:"CSV file with question and answer columns" default:"faq.csv" type:"path"`
	Limit      int    `help:"Stop after inserting this many rows (0 = all)" default:"0"`
	SkipValid  int    `help:"Skip this many valid rows from the top" default:"0"`
	SleepMs    int    `help:"Minimum milliseconds between embedding calls" default:"300"`
	DryRun     bool   `help:"Parse and count rows without embedding or writing"`
	Duplicates string `help:"What to do with rows already in the store" enum:"skip,allow" default:"skip"`
	Watch      bool   `help:"Keep running and re-ingest when the file changes"`
}

func main() {
	_ = kong.Parse(&cli,
		kong.Name("ingest"),
		kong.Description("Load Q&A rows from a CSV file into the vector store."),
	)

	cfg := config.Read()
	if err := validate(cfg, cli.DryRun); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Logger.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := core.IngestOptions{
		Limit:      cli.Limit,
		SkipValid:  cli.SkipValid,
		Interval:   time.Duration(cli.SleepMs) * time.Millisecond,
		DryRun:     cli.DryRun,
		Duplicates: cli.Duplicates,
		Timeout:    cfg.Pipeline.EmbedTimeout,
		Retries:    cfg.Pipeline.EmbedRetries,
		Backoff:    cfg.Pipeline.Backoff,
	}

	if cli.DryRun {
		// No provider or store is touched on a dry run.
		ingestor := core.NewIngestor(nil, nil, zapLogger)
		summary, err := ingestor.IngestFile(ctx, cli.Path, opts)
		report(summary)
		if err != nil {
			zapLogger.Fatal("Dry run failed", zap.Error(err))
		}
		return
	}

	dbStore, err := store.Open(ctx, cfg.Store, cfg.Embedding.Dimension, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer dbStore.Close()

	if err := dbStore.EnsureProfile(ctx, core.EmbeddingProfile(cfg)); err != nil {
		zapLogger.Fatal("Store was built with a different embedding profile", zap.Error(err))
	}

	providers, err := core.NewProviders(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize model providers", zap.Error(err))
	}
	defer providers.Close()

	ingestor := core.NewIngestor(providers.Embedder, dbStore, zapLogger)
	run := func(ctx context.Context) {
		summary, err := ingestor.IngestFile(ctx, cli.Path, opts)
		report(summary)
		if err != nil && !errors.Is(err, context.Canceled) {
			zapLogger.Error("Ingest failed", zap.String("path", cli.Path), zap.Error(err))
		}
	}

	run(ctx)
	if !cli.Watch {
		return
	}
	if err := core.WatchFile(ctx, cli.Path, 500*time.Millisecond, zapLogger, run); err != nil {
		zapLogger.Fatal("Watch failed", zap.Error(err))
	}
}

// validate checks what ingestion needs: the core settings, plus an embedding
// key unless nothing will be embedded.
func validate(cfg *config.Config, dryRun bool) error {
	if err := cfg.ValidateCore(); err != nil {
		return err
	}
	if !dryRun && cfg.Embedding.APIKey == "" {
		return fmt.Errorf("API key for embedding provider %q is required", cfg.Embedding.Provider)
	}
	return nil
}

func report(summary core.IngestSummary) {
	_ = json.NewEncoder(os.Stdout).Encode(summary)
}
