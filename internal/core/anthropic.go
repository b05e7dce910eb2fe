package core

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	anthropicService = "anthropic"

	defaultAnthropicMaxTokens = 1024
)

// AnthropicService generates replies with the Messages API. It has no embeddings.
type AnthropicService struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicService builds a client; baseURL may be empty for the public API.
func NewAnthropicService(apiKey, baseURL, model string) *AnthropicService {
	opts := []anthropicopt.RequestOption{
		anthropicopt.WithAPIKey(apiKey),
		anthropicopt.WithHTTPClient(&http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
		anthropicopt.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(baseURL))
	}

	client := anthropic.NewClient(opts...)
	return &AnthropicService{client: &client, model: model}
}

func (s *AnthropicService) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(float64(req.Temperature)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	rsp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return "", unavailable(anthropicService, fmt.Errorf("messages request failed: %w", err))
	}
	if string(rsp.StopReason) == "refusal" {
		return "", rejected(anthropicService, fmt.Errorf("stop reason %s", rsp.StopReason))
	}

	var b strings.Builder
	for _, content := range rsp.Content {
		if text, ok := content.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}

	result := strings.TrimSpace(b.String())
	if result == "" {
		return "", unavailablef(anthropicService, "no text in response")
	}
	return result, nil
}
