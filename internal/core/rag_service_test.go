package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gwi.com/faq-responder/internal/config"
	"gwi.com/faq-responder/internal/store"
)

func TestNewRetriever_BoundsK(t *testing.T) {
	for _, k := range []int{0, config.MaxRetrievalK + 1} {
		_, err := NewRetriever(&memoryStore{}, config.RetrievalConfig{K: k}, zaptest.NewLogger(t))
		assert.ErrorIs(t, err, ErrValidation)
	}
}

func TestRetriever_AppliesThresholdAndOrder(t *testing.T) {
	unordered := []store.RetrievalHit{
		{Record: store.KnowledgeRecord{ID: "low", Seq: 1}, Similarity: 0.2},
		{Record: store.KnowledgeRecord{ID: "tie-new", Seq: 5}, Similarity: 0.8},
		{Record: store.KnowledgeRecord{ID: "best", Seq: 3}, Similarity: 0.95},
		{Record: store.KnowledgeRecord{ID: "tie-old", Seq: 2}, Similarity: 0.8},
	}
	var askedK int
	searcher := searcherFunc(func(_ context.Context, _ []float32, k int) ([]store.RetrievalHit, error) {
		askedK = k
		return unordered, nil
	})
	r, err := NewRetriever(searcher, config.RetrievalConfig{K: 3, MinSimilarity: 0.5}, zaptest.NewLogger(t))
	require.NoError(t, err)

	hits, err := r.Retrieve(context.Background(), []float32{1})

	require.NoError(t, err)
	assert.Equal(t, 3, askedK)
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.Record.ID)
	}
	assert.Equal(t, []string{"best", "tie-old", "tie-new"}, ids)
}

func TestRetriever_EmptyStoreIsNotAnError(t *testing.T) {
	r, err := NewRetriever(&memoryStore{}, config.RetrievalConfig{K: 3, MinSimilarity: 0.5}, zaptest.NewLogger(t))
	require.NoError(t, err)

	hits, err := r.Retrieve(context.Background(), []float32{1, 0, 0, 0, 0.05})
	require.NoError(t, err)
	assert.Empty(t, hits)
}
