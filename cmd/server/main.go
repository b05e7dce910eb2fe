package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gwi.com/faq-responder/internal/api"
	"gwi.com/faq-responder/internal/config"
	"gwi.com/faq-responder/internal/core"
	"gwi.com/faq-responder/internal/line"
	"gwi.com/faq-responder/internal/logger"
	"gwi.com/faq-responder/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Logger.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx := context.Background()

	// Initialize vector store
	dbStore, err := store.Open(ctx, cfg.Store, cfg.Embedding.Dimension, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer dbStore.Close()

	if err := dbStore.EnsureProfile(ctx, core.EmbeddingProfile(cfg)); err != nil {
		zapLogger.Fatal("Store was built with a different embedding profile", zap.Error(err))
	}
	if n, err := dbStore.Count(ctx); err == nil && n == 0 {
		zapLogger.Warn("Store is empty, replies will not be grounded until data is ingested")
	}

	// Initialize model providers
	providers, err := core.NewProviders(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize model providers", zap.Error(err))
	}
	defer providers.Close()

	retriever, err := core.NewRetriever(dbStore, cfg.Retrieval, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize retriever", zap.Error(err))
	}
	filter, err := core.NewSafetyFilter(cfg.Filter, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize safety filter", zap.Error(err))
	}
	zapLogger.Info("Safety filter ready",
		zap.String("policy", filter.Policy()),
		zap.Int("patterns", len(cfg.Filter.Patterns)),
	)

	var sink core.Sink
	if cfg.Line.ChannelToken != "" {
		sink = line.NewClient(cfg.Line.APIBase, cfg.Line.ChannelToken, zapLogger)
	} else {
		zapLogger.Warn("LINE_CHANNEL_TOKEN not set, replies will only be logged")
		sink = line.NewLogSink(zapLogger)
	}

	pipeline, err := core.NewPipeline(core.PipelineDeps{
		Secret:    cfg.Line.ChannelSecret,
		Embedder:  providers.Embedder,
		Retriever: retriever,
		Generator: core.NewAnswerGenerator(providers.Completer, cfg.Style, cfg.Generation.Temperature, zapLogger),
		Filter:    filter,
		Sink:      sink,
	}, cfg.Pipeline, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize pipeline", zap.Error(err))
	}

	dispatcher := api.NewDispatcher(pipeline, cfg.Server.MaxInflight, zapLogger)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(pipeline, dispatcher, dbStore, cfg.Line.ChannelSecret, zapLogger)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", cfg.Server.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		zapLogger.Info("Starting server", zap.String("addr", serverAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Could not listen", zap.String("addr", serverAddr), zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}
	// Webhook replies still in flight get the rest of the shutdown budget.
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		zapLogger.Warn("Abandoned in-flight replies", zap.Error(err))
	}

	zapLogger.Info("Server exiting")
}
