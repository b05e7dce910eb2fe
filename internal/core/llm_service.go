package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const (
	geminiService = "gemini"

	geminiAPIKeyHeader = "x-goog-api-key"
)

// GeminiService talks to the Gemini API for both embeddings and generation.
type GeminiService struct {
	client          *genai.Client
	embeddingModel  string
	generationModel string
	logger          *zap.Logger
}

func NewGeminiService(ctx context.Context, apiKey, embeddingModel, generationModel string, logger *zap.Logger) (*GeminiService, error) {
	// A custom HTTP client replaces the SDK's own auth, so the key travels in the transport.
	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(&apiKeyTransport{key: apiKey, base: http.DefaultTransport}),
	}
	client, err := genai.NewClient(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiService{
		client:          client,
		embeddingModel:  embeddingModel,
		generationModel: generationModel,
		logger:          logger,
	}, nil
}

func (s *GeminiService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Warn("Error closing GenAI client", zap.Error(err))
		} else {
			s.logger.Info("GenAI client closed")
		}
	}
}

func (s *GeminiService) Embed(ctx context.Context, text string) ([]float32, error) {
	em := s.client.EmbeddingModel(s.embeddingModel)
	em.TaskType = genai.TaskTypeSemanticSimilarity

	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, unavailable(geminiService, fmt.Errorf("embedding request failed: %w", err))
	}
	if res == nil || res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, unavailablef(geminiService, "no embedding data received")
	}
	return res.Embedding.Values, nil
}

func (s *GeminiService) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	model := s.client.GenerativeModel(s.generationModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(req.System)},
	}
	model.SetTemperature(req.Temperature)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return "", rejected(geminiService, blocked)
		}
		return "", unavailable(geminiService, fmt.Errorf("generate content failed: %w", err))
	}

	text := responseText(resp, s.logger)
	if text == "" {
		return "", unavailablef(geminiService, "empty or non-text response")
	}
	return text, nil
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse, logger *zap.Logger) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		} else {
			logger.Debug("Gemini response part was not text", zap.String("type", fmt.Sprintf("%T", part)))
		}
	}
	return strings.TrimSpace(b.String())
}

type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(geminiAPIKeyHeader, t.key)
	return t.base.RoundTrip(req)
}
