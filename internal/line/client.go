package line

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"gwi.com/faq-responder/internal/core"
)

const (
	DefaultAPIBase = "https://api.line.me"

	replyPath = "/v2/bot/message/reply"
	pushPath  = "/v2/bot/message/push"

	maxTextRunes = 5000
)

// Client sends replies through the LINE Messaging API.
type Client struct {
	httpClient *http.Client
	apiBase    string
	token      string
	logger     *zap.Logger
}

func NewClient(apiBase, token string, logger *zap.Logger) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		logger:  logger,
	}
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type replyRequest struct {
	ReplyToken string        `json:"replyToken"`
	Messages   []textMessage `json:"messages"`
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

// Send uses the reply API when a reply token is available and the push API otherwise.
func (c *Client) Send(ctx context.Context, to core.Recipient, text string) error {
	messages := []textMessage{{Type: "text", Text: truncateRunes(text, maxTextRunes)}}

	if to.ReplyToken != "" {
		return c.post(ctx, replyPath, replyRequest{ReplyToken: to.ReplyToken, Messages: messages})
	}
	if to.ID == "" {
		return fmt.Errorf("line: %w: recipient has neither reply token nor id", core.ErrValidation)
	}
	return c.post(ctx, pushPath, pushRequest{To: to.ID, Messages: messages})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("line: failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("line: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("line: %w: %w", core.ErrDependencyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		c.logger.Debug("LINE message sent", zap.String("path", path), zap.Duration("latency", time.Since(started)))
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	class := core.ErrDependencyUnavailable
	if resp.StatusCode/100 == 4 && resp.StatusCode != http.StatusTooManyRequests {
		// Bad or expired reply tokens and auth errors will not succeed on retry.
		class = core.ErrValidation
	}
	return fmt.Errorf("line: %w: %s returned %d: %s", class, path, resp.StatusCode, strings.TrimSpace(string(detail)))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// LogSink writes replies to the log instead of sending them. It stands in for
// the LINE client when no channel token is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(_ context.Context, to core.Recipient, text string) error {
	s.logger.Info("Reply (not sent, no channel token)",
		zap.String("recipient", to.ID),
		zap.String("text", text),
	)
	return nil
}
