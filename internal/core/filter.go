package core

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gwi.com/faq-responder/internal/config"
)

const (
	PolicyBlock  = "block"
	PolicyRedact = "redact"

	regexPrefix = "re:"

	// Replacing spans can join neighbouring text into a new match, so
	// redaction repeats until clean, then gives up and blocks.
	maxRedactionPasses = 8
)

type denyPattern struct {
	source string
	re     *regexp.Regexp
}

// SafetyFilter checks drafts against the denylist. Plain entries match as
// case-insensitive substrings; entries prefixed with "re:" are regular expressions.
type SafetyFilter struct {
	patterns    []denyPattern
	policy      string
	placeholder string
	fallback    string
	logger      *zap.Logger
}

func NewSafetyFilter(cfg config.FilterConfig, logger *zap.Logger) (*SafetyFilter, error) {
	f := &SafetyFilter{
		policy:      cfg.Policy,
		placeholder: cfg.Placeholder,
		fallback:    cfg.Fallback,
		logger:      logger,
	}

	switch f.policy {
	case PolicyBlock, PolicyRedact:
	default:
		return nil, fmt.Errorf("%w: unknown filter policy %q", ErrValidation, cfg.Policy)
	}
	if strings.TrimSpace(f.fallback) == "" {
		return nil, fmt.Errorf("%w: fallback message must not be empty", ErrValidation)
	}

	for _, raw := range cfg.Patterns {
		p, err := compilePattern(raw)
		if err != nil {
			return nil, err
		}
		f.patterns = append(f.patterns, p)
	}

	if m := f.Matches(f.fallback); len(m) > 0 {
		return nil, fmt.Errorf("%w: fallback message contains denylisted text %q", ErrValidation, m)
	}
	if f.policy == PolicyRedact {
		if f.placeholder == "" {
			return nil, fmt.Errorf("%w: redaction placeholder must not be empty", ErrValidation)
		}
		if m := f.Matches(f.placeholder); len(m) > 0 {
			return nil, fmt.Errorf("%w: redaction placeholder contains denylisted text %q", ErrValidation, m)
		}
	}
	return f, nil
}

func compilePattern(raw string) (denyPattern, error) {
	expr := regexp.QuoteMeta(raw)
	if strings.HasPrefix(raw, regexPrefix) {
		expr = strings.TrimPrefix(raw, regexPrefix)
	}
	if strings.TrimSpace(expr) == "" {
		return denyPattern{}, fmt.Errorf("%w: empty denylist pattern %q", ErrValidation, raw)
	}

	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return denyPattern{}, fmt.Errorf("%w: invalid denylist pattern %q: %w", ErrValidation, raw, err)
	}
	if re.MatchString("") {
		return denyPattern{}, fmt.Errorf("%w: denylist pattern %q matches empty text", ErrValidation, raw)
	}
	return denyPattern{source: raw, re: re}, nil
}

func (f *SafetyFilter) Policy() string {
	return f.policy
}

func (f *SafetyFilter) Fallback() string {
	return f.fallback
}

// Matches returns every denylisted span in text, in order of appearance.
// All patterns are checked against the full text.
func (f *SafetyFilter) Matches(text string) []string {
	spans := f.spans(text)
	out := make([]string, 0, len(spans))
	for _, s := range spans {
		out = append(out, text[s[0]:s[1]])
	}
	return out
}

// Filter turns a draft into the reply that may be sent.
func (f *SafetyFilter) Filter(draft DraftReply) FinalReply {
	spans := f.spans(draft.Text)
	if len(spans) == 0 {
		return FinalReply{Text: draft.Text, Origin: draft.Origin}
	}

	f.logger.Info("Draft reply matched denylist",
		zap.String("stage", "filter"),
		zap.String("policy", f.policy),
		zap.Int("matches", len(spans)),
	)

	if f.policy == PolicyBlock {
		return FinalReply{Text: f.fallback, Origin: OriginFallback}
	}

	text := draft.Text
	for pass := 0; pass < maxRedactionPasses && len(spans) > 0; pass++ {
		text = redact(text, mergeSpans(spans), f.placeholder)
		spans = f.spans(text)
	}
	if len(spans) > 0 {
		f.logger.Warn("Redaction did not converge, blocking reply", zap.String("stage", "filter"))
		return FinalReply{Text: f.fallback, Origin: OriginFallback}
	}
	return FinalReply{Text: text, Origin: OriginFiltered}
}

func (f *SafetyFilter) spans(text string) [][2]int {
	var spans [][2]int
	for _, p := range f.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			spans = append(spans, [2]int{loc[0], loc[1]})
		}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i][0] != spans[j][0] {
			return spans[i][0] < spans[j][0]
		}
		return spans[i][1] > spans[j][1]
	})
	return spans
}

// mergeSpans collapses overlapping or touching spans; input must be sorted by start.
func mergeSpans(spans [][2]int) [][2]int {
	merged := make([][2]int, 0, len(spans))
	for _, s := range spans {
		if n := len(merged); n > 0 && s[0] <= merged[n-1][1] {
			if s[1] > merged[n-1][1] {
				merged[n-1][1] = s[1]
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

func redact(text string, spans [][2]int, placeholder string) string {
	var b strings.Builder
	last := 0
	for _, s := range spans {
		b.WriteString(text[last:s[0]])
		b.WriteString(placeholder)
		last = s[1]
	}
	b.WriteString(text[last:])
	return b.String()
}
