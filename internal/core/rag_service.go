package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gwi.com/faq-responder/internal/config"
	"gwi.com/faq-responder/internal/store"
)

// Searcher is the read side of the vector store.
type Searcher interface {
	Search(ctx context.Context, vector []float32, k int) ([]store.RetrievalHit, error)
}

// Retriever returns the top-K stored Q&A records for a query vector, dropping
// hits below the minimum similarity so a sparse store cannot ground a reply on
// unrelated records.
type Retriever struct {
	searcher      Searcher
	k             int
	minSimilarity float64
	logger        *zap.Logger
}

func NewRetriever(searcher Searcher, cfg config.RetrievalConfig, logger *zap.Logger) (*Retriever, error) {
	if cfg.K < 1 || cfg.K > config.MaxRetrievalK {
		return nil, fmt.Errorf("%w: retrieval k must be within 1..%d, got %d", ErrValidation, config.MaxRetrievalK, cfg.K)
	}
	return &Retriever{
		searcher:      searcher,
		k:             cfg.K,
		minSimilarity: cfg.MinSimilarity,
		logger:        logger,
	}, nil
}

func (r *Retriever) Retrieve(ctx context.Context, vector []float32) ([]store.RetrievalHit, error) {
	hits, err := r.searcher.Search(ctx, vector, r.k)
	if err != nil {
		return nil, asDependencyFailure("store", err)
	}
	store.SortHits(hits)
	if len(hits) > r.k {
		hits = hits[:r.k]
	}

	relevant := make([]store.RetrievalHit, 0, len(hits))
	for _, hit := range hits {
		if hit.Similarity >= r.minSimilarity {
			relevant = append(relevant, hit)
		}
	}

	if len(relevant) == 0 {
		r.logger.Debug("No relevant records found",
			zap.Int("candidates", len(hits)),
			zap.Float64("min_similarity", r.minSimilarity),
		)
	} else {
		r.logger.Debug("Retrieved relevant records",
			zap.Int("count", len(relevant)),
			zap.Float64("top_similarity", relevant[0].Similarity),
		)
	}
	return relevant, nil
}
