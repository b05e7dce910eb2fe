package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBuildSearchQuery(t *testing.T) {
	query, args, err := buildSearchQuery([]float32{0.1, 0.2}, 3)
	require.NoError(t, err)

	assert.Contains(t, query, "1 - (embedding <=> $1) AS similarity")
	assert.Contains(t, query, "FROM rag_data")
	assert.Contains(t, query, "ORDER BY embedding <=> $2, id ASC")
	assert.Contains(t, query, "LIMIT 3")
	assert.Len(t, args, 2)
}

func TestClampSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, clampSimilarity(1.0000001))
	assert.Equal(t, -1.0, clampSimilarity(-1.2))
	assert.Equal(t, 0.5, clampSimilarity(0.5))
}

// Runs against a real pgvector database when PG_TEST_URL is set.
func TestPostgresStore_RoundTrip(t *testing.T) {
	url := os.Getenv("PG_TEST_URL")
	if url == "" {
		t.Skip("PG_TEST_URL not set")
	}
	ctx := context.Background()

	s, err := NewPostgresStore(ctx, url, 3, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.Exec(ctx, "DROP TABLE IF EXISTS "+recordsTable+", "+profileTable)
		_ = s.Close()
	})

	rec := NewRecord("営業時間は？", "10時から19時です", "Q: 営業時間は？\nA: 10時から19時です", []float32{1, 0, 0})
	require.NoError(t, s.Insert(ctx, rec))
	require.NoError(t, s.Insert(ctx, NewRecord("q", "a", "Q: q\nA: a", []float32{0, 1, 0})))

	hits, err := s.Search(ctx, []float32{1, 0.1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, rec.ID, hits[0].Record.ID)

	found, err := s.HasContent(ctx, rec.Content)
	require.NoError(t, err)
	assert.True(t, found)
}
