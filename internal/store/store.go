package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gwi.com/faq-responder/internal/config"
)

var (
	// ErrProfileMismatch means the store was built with a different embedding profile.
	ErrProfileMismatch = errors.New("store profile mismatch")
	// ErrInvalidRecord is returned by Insert for empty content or a wrong-length embedding.
	ErrInvalidRecord = errors.New("invalid knowledge record")
)

// Store is the vector store boundary. Search is used on the reply path,
// Insert and HasContent only by ingestion.
type Store interface {
	Insert(ctx context.Context, rec KnowledgeRecord) error
	Search(ctx context.Context, vector []float32, k int) ([]RetrievalHit, error)
	HasContent(ctx context.Context, content string) (bool, error)
	Count(ctx context.Context) (int, error)
	EnsureProfile(ctx context.Context, p Profile) error
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, dimension int, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLiteStore(cfg.DatabaseURL, dimension, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL, dimension, logger)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// SortHits orders hits by similarity descending, older records first on ties.
func SortHits(hits []RetrievalHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Record.Seq < hits[j].Record.Seq
	})
}

func validateRecord(rec KnowledgeRecord, dimension int) error {
	if strings.TrimSpace(rec.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidRecord)
	}
	if len(rec.Embedding) != dimension {
		return fmt.Errorf("%w: embedding has %d dimensions, store expects %d", ErrInvalidRecord, len(rec.Embedding), dimension)
	}
	return nil
}

func compareProfile(stored, wanted Profile) error {
	if stored != wanted {
		return fmt.Errorf("%w: store built with %s/%s dim=%d metric=%s, configured %s/%s dim=%d metric=%s",
			ErrProfileMismatch,
			stored.Provider, stored.Model, stored.Dimension, stored.Metric,
			wanted.Provider, wanted.Model, wanted.Dimension, wanted.Metric)
	}
	return nil
}
