package core

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gwi.com/faq-responder/internal/config"
	"gwi.com/faq-responder/internal/store"
)

// Origin records which path produced a reply.
type Origin string

const (
	OriginGenerated Origin = "generated"
	OriginFiltered  Origin = "filtered"
	OriginFallback  Origin = "fallback"
)

const noReferenceData = "(参考データなし)"

// CompletionRequest is one stateless text-completion call.
type CompletionRequest struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Completer is a text-generation provider.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f(ctx, req)
}

// DraftReply is generator output that has not been through the safety filter.
type DraftReply struct {
	Text     string
	Origin   Origin
	Grounded bool
}

// FinalReply is the only value that may be dispatched.
type FinalReply struct {
	Text   string `json:"text"`
	Origin Origin `json:"origin"`
}

type AnswerGenerator struct {
	completer   Completer
	style       config.StyleConfig
	temperature float32
	logger      *zap.Logger
}

func NewAnswerGenerator(completer Completer, style config.StyleConfig, temperature float32, logger *zap.Logger) *AnswerGenerator {
	return &AnswerGenerator{
		completer:   completer,
		style:       style,
		temperature: temperature,
		logger:      logger,
	}
}

// Generate issues one completion. With no hits the request is ungrounded and
// the prompt says so explicitly.
func (g *AnswerGenerator) Generate(ctx context.Context, userText string, hits []store.RetrievalHit) (DraftReply, error) {
	req := g.BuildRequest(userText, hits)

	text, err := g.completer.Complete(ctx, req)
	if err != nil {
		return DraftReply{}, asDependencyFailure("generation", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return DraftReply{}, unavailablef("generation", "empty reply")
	}

	return DraftReply{Text: text, Origin: OriginGenerated, Grounded: len(hits) > 0}, nil
}

// BuildRequest renders the style settings and grounding context into a prompt.
// Style options only change the wording here.
func (g *AnswerGenerator) BuildRequest(userText string, hits []store.RetrievalHit) CompletionRequest {
	return CompletionRequest{
		System:      g.systemInstruction(),
		Prompt:      buildPrompt(userText, hits),
		Temperature: g.temperature,
	}
}

func (g *AnswerGenerator) systemInstruction() string {
	var b strings.Builder

	persona := g.style.Persona
	if persona == "" {
		persona = "カスタマーサポート担当"
	}
	fmt.Fprintf(&b, "あなたは%sです。\n", persona)

	switch g.style.Tone {
	case "casual":
		b.WriteString("- 親しみやすい口調で回答する。\n")
	default:
		b.WriteString("- 敬語（です・ます調）で回答する。\n")
	}
	if g.style.MaxLength > 0 {
		fmt.Fprintf(&b, "- 回答は%d文字以内にまとめる。\n", g.style.MaxLength)
	}
	b.WriteString("- 参考Q&Aに根拠がない内容は推測で断定しない。\n")
	if rules := strings.TrimSpace(g.style.Rules); rules != "" {
		b.WriteString(rules)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func buildPrompt(userText string, hits []store.RetrievalHit) string {
	reference := noReferenceData
	if len(hits) > 0 {
		parts := make([]string, 0, len(hits))
		for _, hit := range hits {
			parts = append(parts, hit.Record.Content)
		}
		reference = strings.Join(parts, "\n\n")
	}

	return fmt.Sprintf("【参考Q&A】\n%s\n\n【質問】\n%s\n\n【お願い】上記のルールに従って、丁寧で簡潔に回答してください。",
		reference, strings.TrimSpace(userText))
}
