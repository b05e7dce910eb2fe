package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gwi.com/faq-responder/internal/config"
	"gwi.com/faq-responder/internal/store"
)

// Providers holds the external model clients selected by configuration.
type Providers struct {
	Embedder  *EmbeddingClient
	Completer Completer

	closers []func()
}

// NewProviders builds the configured embedding and generation clients. A Gemini
// client is shared when both sides use Gemini.
func NewProviders(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Providers, error) {
	p := &Providers{}
	var gemini *GeminiService

	getGemini := func(apiKey string) (*GeminiService, error) {
		if gemini != nil {
			return gemini, nil
		}
		svc, err := NewGeminiService(ctx, apiKey, cfg.Embedding.Model, cfg.Generation.Model, logger)
		if err != nil {
			return nil, err
		}
		gemini = svc
		p.closers = append(p.closers, svc.Close)
		return svc, nil
	}

	var embedder Embedder
	switch cfg.Embedding.Provider {
	case "gemini":
		svc, err := getGemini(cfg.Embedding.APIKey)
		if err != nil {
			return nil, err
		}
		embedder = svc
	case "openai":
		embedder = NewOpenAIService(cfg.Embedding.APIKey, "", cfg.Embedding.Model, cfg.Generation.Model, cfg.Embedding.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
	p.Embedder = NewEmbeddingClient(embedder, EmbeddingProfile(cfg))

	switch cfg.Generation.Provider {
	case "gemini":
		svc, err := getGemini(cfg.Generation.APIKey)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.Completer = svc
	case "openai":
		p.Completer = NewOpenAIService(cfg.Generation.APIKey, "", cfg.Embedding.Model, cfg.Generation.Model, cfg.Embedding.Dimension)
	case "anthropic":
		p.Completer = NewAnthropicService(cfg.Generation.APIKey, "", cfg.Generation.Model)
	default:
		p.Close()
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Generation.Provider)
	}

	logger.Info("Model providers ready",
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.String("embedding_model", cfg.Embedding.Model),
		zap.Int("embedding_dim", cfg.Embedding.Dimension),
		zap.String("generation_provider", cfg.Generation.Provider),
		zap.String("generation_model", cfg.Generation.Model),
	)
	return p, nil
}

// EmbeddingProfile is the store profile implied by the embedding configuration.
func EmbeddingProfile(cfg *config.Config) store.Profile {
	return store.Profile{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		Metric:    cfg.Store.Metric,
	}
}

func (p *Providers) Close() {
	for _, c := range p.closers {
		c()
	}
}
