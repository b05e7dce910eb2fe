package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gwi.com/faq-responder/internal/store"
)

func newTestIngestor(t *testing.T, s *memoryStore) *Ingestor {
	t.Helper()
	client := NewEmbeddingClient(lexiconEmbedder{}, store.Profile{Provider: "lexicon", Dimension: lexiconDim})
	return NewIngestor(client, s, zaptest.NewLogger(t))
}

func TestParseQACSV_ColumnAliasesAndCleanup(t *testing.T) {
	data := "\ufeff質問,回答,メモ\n営業時間は？\u3000,平日9-18時です,x\n,回答だけ,y\n質問だけ,,z\n"

	pairs, rows, err := ParseQACSV(strings.NewReader(data))

	require.NoError(t, err)
	assert.Equal(t, 3, rows)
	require.Len(t, pairs, 1)
	assert.Equal(t, "営業時間は？", pairs[0].Question)
	assert.Equal(t, "平日9-18時です", pairs[0].Answer)
	assert.Equal(t, "Q: 営業時間は？\nA: 平日9-18時です", pairs[0].Content())
}

func TestParseQACSV_FallsThroughEmptyAlias(t *testing.T) {
	data := "subject,question,body,reply\n件名だけ,,,返信です\n"

	pairs, _, err := ParseQACSV(strings.NewReader(data))

	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "件名だけ", pairs[0].Question)
	assert.Equal(t, "返信です", pairs[0].Answer)
}

func TestParseQACSV_RequiresHeader(t *testing.T) {
	_, _, err := ParseQACSV(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIngestor_InsertsAndSummarises(t *testing.T) {
	s := &memoryStore{}
	data := "question,answer\n営業時間は?,平日9-18時です\n駐車場は?,あります\n,欠損\n"

	summary, err := newTestIngestor(t, s).Ingest(context.Background(), strings.NewReader(data), IngestOptions{})

	require.NoError(t, err)
	assert.Equal(t, IngestSummary{Rows: 3, Valid: 2, Skipped: 1, Inserted: 2}, summary)
	require.Len(t, s.records, 2)
	assert.Equal(t, "Q: 営業時間は?\nA: 平日9-18時です", s.records[0].Content)
	assert.Len(t, s.records[0].Embedding, lexiconDim)
	assert.NotEmpty(t, s.records[0].ID)
}

func TestIngestor_RerunSkipsDuplicates(t *testing.T) {
	s := &memoryStore{}
	data := "question,answer\n営業時間は?,平日9-18時です\n営業時間は?,平日9-18時です\n"
	ing := newTestIngestor(t, s)

	first, err := ing.Ingest(context.Background(), strings.NewReader(data), IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)
	assert.Equal(t, 1, first.Dedup)

	second, err := ing.Ingest(context.Background(), strings.NewReader(data), IngestOptions{Duplicates: DuplicatesSkip})
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Equal(t, 2, second.Dedup)
	assert.Len(t, s.records, 1)
}

func TestIngestor_AllowDuplicates(t *testing.T) {
	s := &memoryStore{}
	data := "question,answer\nq,a\nq,a\n"

	summary, err := newTestIngestor(t, s).Ingest(context.Background(), strings.NewReader(data), IngestOptions{Duplicates: DuplicatesAllow})

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Inserted)
	assert.Len(t, s.records, 2)
}

func TestIngestor_SkipValidLimitAndDryRun(t *testing.T) {
	data := "question,answer\nq1,a1\nq2,a2\nq3,a3\nq4,a4\n"

	s := &memoryStore{}
	summary, err := newTestIngestor(t, s).Ingest(context.Background(), strings.NewReader(data), IngestOptions{SkipValid: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Inserted)
	require.Len(t, s.records, 2)
	assert.Equal(t, "q2", s.records[0].Question)
	assert.Equal(t, "q3", s.records[1].Question)

	dry := &memoryStore{}
	summary, err = newTestIngestor(t, dry).Ingest(context.Background(), strings.NewReader(data), IngestOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Valid)
	assert.Zero(t, summary.Inserted)
	assert.Empty(t, dry.records)
}

func TestIngestor_RetriesTransientEmbeddingErrors(t *testing.T) {
	s := &memoryStore{}
	calls := 0
	flaky := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("429 RESOURCE_EXHAUSTED")
		}
		return lexiconEmbedder{}.Embed(ctx, text)
	})
	ing := NewIngestor(NewEmbeddingClient(flaky, store.Profile{Dimension: lexiconDim}), s, zaptest.NewLogger(t))

	summary, err := ing.Ingest(context.Background(), strings.NewReader("question,answer\nq,a\n"), IngestOptions{Retries: 2})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 2, calls)
}

func TestIngestor_CountsFailedRows(t *testing.T) {
	s := &memoryStore{}
	broken := EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, errors.New("down")
	})
	ing := NewIngestor(NewEmbeddingClient(broken, store.Profile{Dimension: lexiconDim}), s, zaptest.NewLogger(t))

	summary, err := ing.Ingest(context.Background(), strings.NewReader("question,answer\nq,a\n"), IngestOptions{})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, s.records)
}

func TestIngestor_IngestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faq.csv")
	require.NoError(t, os.WriteFile(path, []byte("質問,回答\n営業時間は?,平日9-18時です\n"), 0o600))
	s := &memoryStore{}

	summary, err := newTestIngestor(t, s).IngestFile(context.Background(), path, IngestOptions{})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Inserted)

	_, err = newTestIngestor(t, s).IngestFile(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), IngestOptions{})
	assert.Error(t, err)
}

func TestIngestor_RejectsUnknownDuplicatePolicy(t *testing.T) {
	_, err := newTestIngestor(t, &memoryStore{}).Ingest(context.Background(), strings.NewReader("question,answer\n"), IngestOptions{Duplicates: "merge"})
	assert.ErrorIs(t, err, ErrValidation)
}

type flakyWriter struct {
	*memoryStore
	failures int
}

func (w *flakyWriter) Insert(ctx context.Context, rec store.KnowledgeRecord) error {
	if w.failures > 0 {
		w.failures--
		return errors.New("database is locked")
	}
	return w.memoryStore.Insert(ctx, rec)
}

func TestIngestor_InsertFailureSkipsRowAndContinues(t *testing.T) {
	w := &flakyWriter{memoryStore: &memoryStore{}, failures: 1}
	client := NewEmbeddingClient(lexiconEmbedder{}, store.Profile{Provider: "lexicon", Dimension: lexiconDim})
	ing := NewIngestor(client, w, zaptest.NewLogger(t))

	summary, err := ing.Ingest(context.Background(),
		strings.NewReader("question,answer\n営業時間は?,平日9-18時です\n駐車場は?,あります\n"), IngestOptions{})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Inserted)
	require.Len(t, w.records, 1)
	assert.Equal(t, "駐車場は?", w.records[0].Question)
}
