package core

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const openAIService = "openai"

// OpenAIService serves embeddings and chat completions from the OpenAI API.
type OpenAIService struct {
	client          *openai.Client
	embeddingModel  string
	generationModel string
	dimension       int
}

// NewOpenAIService builds a client; baseURL may be empty for the public API.
func NewOpenAIService(apiKey, baseURL, embeddingModel, generationModel string, dimension int) *OpenAIService {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	return &OpenAIService{
		client:          openai.NewClientWithConfig(cfg),
		embeddingModel:  embeddingModel,
		generationModel: generationModel,
		dimension:       dimension,
	}
}

func (s *OpenAIService) Embed(ctx context.Context, text string) ([]float32, error) {
	rsp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(s.embeddingModel),
		Dimensions: s.dimension,
	})
	if err != nil {
		return nil, unavailable(openAIService, fmt.Errorf("embedding request failed: %w", err))
	}

	if len(rsp.Data) == 0 || len(rsp.Data[0].Embedding) == 0 {
		return nil, unavailablef(openAIService, "no embedding data received")
	}
	return rsp.Data[0].Embedding, nil
}

func (s *OpenAIService) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	rsp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.generationModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", unavailable(openAIService, fmt.Errorf("chat completion failed: %w", err))
	}

	if len(rsp.Choices) == 0 {
		return "", unavailablef(openAIService, "no choices in response")
	}
	choice := rsp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", rejected(openAIService, fmt.Errorf("finish reason %s", choice.FinishReason))
	}
	if choice.Message.Refusal != "" {
		return "", rejected(openAIService, fmt.Errorf("refused: %s", choice.Message.Refusal))
	}

	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return "", unavailablef(openAIService, "empty response")
	}
	return text, nil
}
