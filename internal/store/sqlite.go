package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.nhat.io/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.uber.org/zap"
	"gwi.com/faq-responder/internal/utils"
)

var sqliteDriver string

func init() {
	driver, err := otelsql.Register(
		"sqlite3",
		otelsql.TraceQueryWithoutArgs(),
		otelsql.TraceRowsClose(),
		otelsql.TraceRowsAffected(),
		otelsql.WithSystem(semconv.DBSystemSqlite),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to register sqlite driver with otel: %v", err))
	}
	sqliteDriver = driver
}

type SQLiteStore struct {
	db        *sql.DB
	dimension int
	logger    *zap.Logger
}

func NewSQLiteStore(dataSourceName string, dimension int, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open(sqliteDriver, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := otelsql.RecordStats(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to record database stats: %w", err)
	}

	store := &SQLiteStore{db: db, dimension: dimension, logger: logger}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS knowledge_records (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT UNIQUE NOT NULL, -- UUID
        question TEXT NOT NULL,
        answer TEXT NOT NULL,
        content TEXT NOT NULL CHECK (content <> ''),
        embedding_json TEXT NOT NULL, -- JSON array of float32
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_knowledge_records_content ON knowledge_records (content);

    CREATE TABLE IF NOT EXISTS store_profile (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        provider TEXT NOT NULL,
        model TEXT NOT NULL,
        dimension INTEGER NOT NULL,
        metric TEXT NOT NULL
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// EnsureProfile records p on first use and rejects any later, different profile.
func (s *SQLiteStore) EnsureProfile(ctx context.Context, p Profile) error {
	var stored Profile
	err := s.db.QueryRowContext(ctx, "SELECT provider, model, dimension, metric FROM store_profile WHERE id = 1").
		Scan(&stored.Provider, &stored.Model, &stored.Dimension, &stored.Metric)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO store_profile (id, provider, model, dimension, metric) VALUES (1, ?, ?, ?, ?)",
			p.Provider, p.Model, p.Dimension, p.Metric)
		if err != nil {
			return fmt.Errorf("failed to insert store profile: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to query store profile: %w", err)
	}
	return compareProfile(stored, p)
}

func (s *SQLiteStore) Insert(ctx context.Context, rec KnowledgeRecord) error {
	if err := validateRecord(rec, s.dimension); err != nil {
		return err
	}

	embeddingBytes, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO knowledge_records (id, question, answer, content, embedding_json, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare knowledge_record insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, rec.ID, rec.Question, rec.Answer, rec.Content, string(embeddingBytes), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute knowledge_record insert: %w", err)
	}
	return nil
}

// Search scores every stored record against vector and returns the best k.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, k int) ([]RetrievalHit, error) {
	if k < 1 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT seq, id, question, answer, content, embedding_json, created_at FROM knowledge_records ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge_records: %w", err)
	}
	defer rows.Close()

	var hits []RetrievalHit
	for rows.Next() {
		var rec KnowledgeRecord
		var embeddingJSON string
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Question, &rec.Answer, &rec.Content, &embeddingJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge_record row: %w", err)
		}
		if err := json.Unmarshal([]byte(embeddingJSON), &rec.Embedding); err != nil {
			s.logger.Warn("Skipping record with unreadable embedding", zap.String("id", rec.ID), zap.Error(err))
			continue
		}

		similarity, err := utils.CosineSimilarity(vector, rec.Embedding)
		if err != nil {
			s.logger.Warn("Skipping record during similarity scoring", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		hits = append(hits, RetrievalHit{Record: rec, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate knowledge_records: %w", err)
	}

	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *SQLiteStore) HasContent(ctx context.Context, content string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM knowledge_records WHERE content = ? LIMIT 1", content).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up content: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM knowledge_records").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count knowledge_records: %w", err)
	}
	return n, nil
}
