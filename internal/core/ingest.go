package core

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gwi.com/faq-responder/internal/store"
)

const (
	DuplicatesSkip  = "skip"
	DuplicatesAllow = "allow"
)

var (
	questionColumns = []string{"question", "Question", "質問", "問い合わせ", "お問い合わせ", "問合せ", "件名", "タイトル", "subject", "Subject"}
	answerColumns   = []string{"answer", "Answer", "回答", "返信", "返答", "response", "reply", "本文", "メッセージ", "ボディ"}
)

// RecordWriter is the write side of the vector store used by ingestion.
type RecordWriter interface {
	Insert(ctx context.Context, rec store.KnowledgeRecord) error
	HasContent(ctx context.Context, content string) (bool, error)
}

type IngestOptions struct {
	Limit      int           // stop after this many inserts; 0 = no limit
	SkipValid  int           // skip this many valid rows from the top
	Interval   time.Duration // minimum gap between embedding calls
	DryRun     bool
	Duplicates string // DuplicatesSkip or DuplicatesAllow
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

type IngestSummary struct {
	Rows     int `json:"rows"`
	Valid    int `json:"valid"`
	Skipped  int `json:"skipped"`
	Dedup    int `json:"dedup"`
	Inserted int `json:"inserted"`
	Failed   int `json:"failed"`
}

// QAPair is one usable CSV row.
type QAPair struct {
	Line     int
	Question string
	Answer   string
}

// Content is the canonical text embedded for the pair.
func (p QAPair) Content() string {
	return fmt.Sprintf("Q: %s\nA: %s", p.Question, p.Answer)
}

// Ingestor loads Q&A rows into the store through the same embedding client
// the reply path uses.
type Ingestor struct {
	embedder Embedder
	writer   RecordWriter
	logger   *zap.Logger
}

func NewIngestor(embedder Embedder, writer RecordWriter, logger *zap.Logger) *Ingestor {
	return &Ingestor{embedder: embedder, writer: writer, logger: logger}
}

func (i *Ingestor) IngestFile(ctx context.Context, path string, opts IngestOptions) (IngestSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return IngestSummary{}, fmt.Errorf("failed to open data file %s: %w", path, err)
	}
	defer f.Close()

	return i.Ingest(ctx, f, opts)
}

func (i *Ingestor) Ingest(ctx context.Context, r io.Reader, opts IngestOptions) (IngestSummary, error) {
	var summary IngestSummary

	switch opts.Duplicates {
	case "":
		opts.Duplicates = DuplicatesSkip
	case DuplicatesSkip, DuplicatesAllow:
	default:
		return summary, fmt.Errorf("%w: unknown duplicates policy %q", ErrValidation, opts.Duplicates)
	}

	pairs, rows, err := ParseQACSV(r)
	summary.Rows = rows
	summary.Skipped = rows - len(pairs)
	if err != nil {
		return summary, err
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.Interval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.Interval), 1)
	}
	seen := make(map[string]bool)
	valid, taken := 0, 0

	for _, pair := range pairs {
		valid++
		if valid <= opts.SkipValid {
			continue
		}
		if opts.Limit > 0 && taken >= opts.Limit {
			break
		}
		summary.Valid++
		content := pair.Content()

		if opts.DryRun {
			taken++
			i.logger.Debug("Dry run row", zap.Int("line", pair.Line), zap.String("content", content))
			continue
		}

		if opts.Duplicates == DuplicatesSkip {
			dup, err := i.isDuplicate(ctx, content, seen)
			if err != nil {
				return summary, err
			}
			if dup {
				summary.Dedup++
				continue
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			return summary, err
		}

		vec, err := callWithRetry(ctx, i.logger, callPolicy{
			stage:   "ingest",
			service: "embedding",
			timeout: opts.Timeout,
			retries: opts.Retries,
			backoff: opts.Backoff,
		}, func(c context.Context) ([]float32, error) {
			return i.embedder.Embed(c, content)
		})
		if err != nil {
			summary.Failed++
			i.logger.Error("Failed to embed row", zap.Int("line", pair.Line), zap.Error(err))
			continue
		}

		if err := i.writer.Insert(ctx, store.NewRecord(pair.Question, pair.Answer, content, vec)); err != nil {
			if ctx.Err() != nil {
				return summary, err
			}
			summary.Failed++
			i.logger.Error("Failed to insert row", zap.Int("line", pair.Line), zap.Error(err))
			continue
		}
		seen[content] = true
		summary.Inserted++
		taken++
		if summary.Inserted%5 == 0 {
			i.logger.Info("Ingest progress", zap.Int("inserted", summary.Inserted))
		}
	}

	i.logger.Info("Ingest finished",
		zap.Int("rows", summary.Rows),
		zap.Int("valid", summary.Valid),
		zap.Int("skipped", summary.Skipped),
		zap.Int("dedup", summary.Dedup),
		zap.Int("inserted", summary.Inserted),
		zap.Int("failed", summary.Failed),
		zap.Bool("dry_run", opts.DryRun),
	)
	return summary, nil
}

func (i *Ingestor) isDuplicate(ctx context.Context, content string, seen map[string]bool) (bool, error) {
	if seen[content] {
		return true, nil
	}
	found, err := i.writer.HasContent(ctx, content)
	if err != nil {
		return false, fmt.Errorf("failed to check for duplicate content: %w", err)
	}
	return found, nil
}

// ParseQACSV reads a headed CSV and returns the rows that have both a question
// and an answer, plus the total number of data rows seen.
func ParseQACSV(r io.Reader) ([]QAPair, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, fmt.Errorf("%w: CSV has no header row; use '質問,回答' or 'question,answer'", ErrValidation)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read CSV header: %w", err)
	}

	index := make(map[string]int, len(header))
	for n, name := range header {
		name = strings.TrimPrefix(strings.TrimSpace(name), "\ufeff")
		if _, ok := index[name]; !ok {
			index[name] = n
		}
	}

	var pairs []QAPair
	rows := 0
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return pairs, rows, fmt.Errorf("failed to read CSV line %d: %w", line, err)
		}
		rows++

		q := pickColumn(record, index, questionColumns)
		a := pickColumn(record, index, answerColumns)
		if q == "" || a == "" {
			continue
		}
		pairs = append(pairs, QAPair{Line: line, Question: q, Answer: a})
	}
	return pairs, rows, nil
}

func pickColumn(record []string, index map[string]int, names []string) string {
	for _, name := range names {
		n, ok := index[name]
		if !ok || n >= len(record) {
			continue
		}
		if v := normalizeCell(record[n]); v != "" {
			return v
		}
	}
	return ""
}

func normalizeCell(v string) string {
	return strings.TrimSpace(strings.ReplaceAll(v, "\u3000", " "))
}
