package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"
)

const (
	recordsTable = "rag_data"
	profileTable = "rag_profile"
)

// PostgresStore keeps records in a pgvector column and lets the database rank them.
type PostgresStore struct {
	db        *pgxpool.Pool
	dimension int
	logger    *zap.Logger
}

func NewPostgresStore(ctx context.Context, databaseURL string, dimension int, logger *zap.Logger) (*PostgresStore, error) {
	// The vector type has to exist before pooled connections can register it.
	if err := ensureVectorExtension(ctx, databaseURL); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{db: pool, dimension: dimension, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Database connection established",
		zap.String("driver", "postgres"),
		zap.Int("dimension", dimension),
	)
	return s, nil
}

func ensureVectorExtension(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable vector extension: %w", err)
	}
	return nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %[1]s (
        id BIGSERIAL PRIMARY KEY,
        record_id TEXT UNIQUE NOT NULL,
        question TEXT NOT NULL,
        answer TEXT NOT NULL,
        content TEXT NOT NULL CHECK (content <> ''),
        embedding vector(%[3]d) NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );

    CREATE INDEX IF NOT EXISTS idx_%[1]s_content ON %[1]s (content);

    CREATE TABLE IF NOT EXISTS %[2]s (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        provider TEXT NOT NULL,
        model TEXT NOT NULL,
        dimension INTEGER NOT NULL,
        metric TEXT NOT NULL
    );
    `, recordsTable, profileTable, s.dimension)

	_, err := s.db.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) EnsureProfile(ctx context.Context, p Profile) error {
	query, args, err := squirrel.Select("provider", "model", "dimension", "metric").
		From(profileTable).
		Where(squirrel.Eq{"id": 1}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	var stored Profile
	err = s.db.QueryRow(ctx, query, args...).Scan(&stored.Provider, &stored.Model, &stored.Dimension, &stored.Metric)
	if errors.Is(err, pgx.ErrNoRows) {
		insert, insertArgs, err := squirrel.Insert(profileTable).
			Columns("id", "provider", "model", "dimension", "metric").
			Values(1, p.Provider, p.Model, p.Dimension, p.Metric).
			PlaceholderFormat(squirrel.Dollar).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(ctx, insert, insertArgs...); err != nil {
			return fmt.Errorf("failed to insert store profile: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to query store profile: %w", err)
	}
	return compareProfile(stored, p)
}

func (s *PostgresStore) Insert(ctx context.Context, rec KnowledgeRecord) error {
	if err := validateRecord(rec, s.dimension); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query, args, err := squirrel.Insert(recordsTable).
		Columns("record_id", "question", "answer", "content", "embedding", "created_at").
		Values(rec.ID, rec.Question, rec.Answer, rec.Content, pgvector.NewVector(rec.Embedding), rec.CreatedAt).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert %s row: %w", recordsTable, err)
	}
	return nil
}

// buildSearchQuery ranks by cosine distance; id breaks ties so older rows win.
func buildSearchQuery(vector []float32, k int) (string, []interface{}, error) {
	vec := pgvector.NewVector(vector)
	return squirrel.Select("id", "record_id", "question", "answer", "content", "created_at").
		Column(squirrel.Expr("1 - (embedding <=> ?) AS similarity", vec)).
		From(recordsTable).
		OrderByClause("embedding <=> ?", vec).
		OrderBy("id ASC").
		Limit(uint64(k)).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
}

func (s *PostgresStore) Search(ctx context.Context, vector []float32, k int) ([]RetrievalHit, error) {
	if k < 1 {
		return nil, nil
	}
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("query vector has %d dimensions, store expects %d", len(vector), s.dimension)
	}

	query, args, err := buildSearchQuery(vector, k)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", recordsTable, err)
	}
	defer rows.Close()

	var hits []RetrievalHit
	for rows.Next() {
		var hit RetrievalHit
		rec := &hit.Record
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Question, &rec.Answer, &rec.Content, &rec.CreatedAt, &hit.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", recordsTable, err)
		}
		hit.Similarity = clampSimilarity(hit.Similarity)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", recordsTable, err)
	}

	SortHits(hits)
	return hits, nil
}

func (s *PostgresStore) HasContent(ctx context.Context, content string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+recordsTable+" WHERE content = $1)", content).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up content: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM "+recordsTable).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", recordsTable, err)
	}
	return n, nil
}

// clampSimilarity absorbs float drift from the database's distance arithmetic.
func clampSimilarity(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}
