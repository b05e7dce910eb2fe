package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortHits_SimilarityThenInsertionOrder(t *testing.T) {
	hits := []RetrievalHit{
		{Record: KnowledgeRecord{ID: "c", Seq: 3}, Similarity: 0.5},
		{Record: KnowledgeRecord{ID: "b", Seq: 2}, Similarity: 0.9},
		{Record: KnowledgeRecord{ID: "a", Seq: 1}, Similarity: 0.5},
	}

	SortHits(hits)

	ids := []string{hits[0].Record.ID, hits[1].Record.ID, hits[2].Record.ID}
	assert.Equal(t, []string{"b", "a", "c"}, ids)
}

func TestValidateRecord(t *testing.T) {
	tests := []struct {
		name    string
		rec     KnowledgeRecord
		wantErr bool
	}{
		{"valid", KnowledgeRecord{Content: "Q: a\nA: b", Embedding: []float32{1, 2, 3}}, false},
		{"blank content", KnowledgeRecord{Content: "  ", Embedding: []float32{1, 2, 3}}, true},
		{"short embedding", KnowledgeRecord{Content: "x", Embedding: []float32{1, 2}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRecord(tt.rec, 3)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRecord)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCompareProfile(t *testing.T) {
	p := Profile{Provider: "gemini", Model: "text-embedding-004", Dimension: 768, Metric: "cosine"}
	require.NoError(t, compareProfile(p, p))

	other := p
	other.Model = "text-embedding-3-small"
	assert.ErrorIs(t, compareProfile(p, other), ErrProfileMismatch)
}

func TestNewRecord(t *testing.T) {
	rec := NewRecord("q", "a", "Q: q\nA: a", []float32{1})
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.NotEqual(t, rec.ID, NewRecord("q", "a", "Q: q\nA: a", []float32{1}).ID)
}
