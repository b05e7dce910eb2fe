package core

import (
	"context"
	"fmt"
	"strings"

	"gwi.com/faq-responder/internal/store"
	"gwi.com/faq-responder/internal/utils"
)

// Embedder is a raw embedding provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// EmbeddingClient is the single embedding entry point for both ingestion and
// the reply path. It rejects provider output that does not match the configured
// profile, so vectors written and queried are always comparable.
type EmbeddingClient struct {
	embedder Embedder
	profile  store.Profile
}

func NewEmbeddingClient(embedder Embedder, profile store.Profile) *EmbeddingClient {
	return &EmbeddingClient{embedder: embedder, profile: profile}
}

func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: cannot embed empty text", ErrValidation)
	}

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, asDependencyFailure(c.profile.Provider, err)
	}
	if len(vec) != c.profile.Dimension {
		return nil, unavailablef(c.profile.Provider, "embedding has %d dimensions, expected %d", len(vec), c.profile.Dimension)
	}
	if !utils.AllFinite(vec) {
		return nil, unavailablef(c.profile.Provider, "embedding contains non-finite values")
	}
	return vec, nil
}
