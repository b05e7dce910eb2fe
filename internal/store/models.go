package store

import (
	"time"

	"github.com/google/uuid"
)

// KnowledgeRecord is one ingested question/answer pair. Records are immutable once written.
type KnowledgeRecord struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"-"` // insertion order, used to break similarity ties
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Content   string    `json:"content"` // the text that was embedded
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// RetrievalHit is a record scored against a query vector.
type RetrievalHit struct {
	Record     KnowledgeRecord `json:"record"`
	Similarity float64         `json:"similarity"` // cosine, within [-1, 1]
}

// Profile describes how the vectors in a store were produced. Query-time
// embeddings are only comparable with a store built under the same profile.
type Profile struct {
	Provider  string
	Model     string
	Dimension int
	Metric    string
}

// NewRecord stamps a fresh id and creation time on a question/answer pair.
func NewRecord(question, answer, content string, embedding []float32) KnowledgeRecord {
	return KnowledgeRecord{
		ID:        uuid.NewString(),
		Question:  question,
		Answer:    answer,
		Content:   content,
		Embedding: embedding,
		CreatedAt: time.Now().UTC(),
	}
}
