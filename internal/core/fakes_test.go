package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"gwi.com/faq-responder/internal/config"
	"gwi.com/faq-responder/internal/store"
	"gwi.com/faq-responder/internal/utils"
)

const testSecret = "channel-secret"

// lexiconEmbedder maps text onto a few hand-picked concepts so that
// paraphrases land close together without a real model.
type lexiconEmbedder struct{}

var lexicon = [][]string{
	{"営業時間", "何時", "開いて", "開店", "閉店", "時間"},
	{"駐車場", "車"},
	{"返品", "交換"},
	{"配送", "送料", "届"},
}

const lexiconDim = 5

func (lexiconEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, lexiconDim)
	for i, words := range lexicon {
		for _, w := range words {
			vec[i] += float32(strings.Count(text, w))
		}
	}
	vec[lexiconDim-1] = 0.05
	return vec, nil
}

type memoryStore struct {
	mu      sync.Mutex
	records []store.KnowledgeRecord
}

func (m *memoryStore) Insert(_ context.Context, rec store.KnowledgeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Seq = int64(len(m.records) + 1)
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryStore) HasContent(_ context.Context, content string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Content == content {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) Search(_ context.Context, vector []float32, k int) ([]store.RetrievalHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []store.RetrievalHit
	for _, r := range m.records {
		sim, err := utils.CosineSimilarity(vector, r.Embedding)
		if err != nil {
			return nil, err
		}
		hits = append(hits, store.RetrievalHit{Record: r, Similarity: sim})
	}
	store.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

type searcherFunc func(ctx context.Context, vector []float32, k int) ([]store.RetrievalHit, error)

func (f searcherFunc) Search(ctx context.Context, vector []float32, k int) ([]store.RetrievalHit, error) {
	return f(ctx, vector, k)
}

type recordingCompleter struct {
	mu       sync.Mutex
	calls    int
	requests []CompletionRequest
	reply    func(req CompletionRequest) (string, error)
}

func (c *recordingCompleter) Complete(_ context.Context, req CompletionRequest) (string, error) {
	c.mu.Lock()
	c.calls++
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return c.reply(req)
}

func (c *recordingCompleter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type sentReply struct {
	To   Recipient
	Text string
}

type recordingSink struct {
	mu   sync.Mutex
	sent []sentReply
	err  error
	hits int
}

func (s *recordingSink) Send(_ context.Context, to Recipient, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentReply{To: to, Text: text})
	return nil
}

func testFilterConfig() config.FilterConfig {
	return config.FilterConfig{
		Patterns:    []string{"返金", "100%", "永久無料", "必ず", "保証"},
		Policy:      PolicyBlock,
		Placeholder: "＊＊＊",
		Fallback:    "お問い合わせありがとうございます。内容を確認のうえ、担当よりご連絡いたします。",
	}
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		EmbedTimeout:    time.Second,
		RetrieveTimeout: time.Second,
		GenerateTimeout: time.Second,
		DispatchTimeout: time.Second,
		EmbedRetries:    2,
		RetrieveRetries: 2,
		GenerateRetries: 1,
		DispatchRetries: 2,
		Backoff:         time.Millisecond,
	}
}

func testStyle() config.StyleConfig {
	return config.StyleConfig{
		Tone:      "formal",
		MaxLength: 200,
		Persona:   "丁寧で親切なカスタマーサポート担当",
	}
}
