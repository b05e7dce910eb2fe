package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gwi.com/faq-responder/internal/config"
)

func newTestFilter(t *testing.T, policy string, patterns ...string) *SafetyFilter {
	t.Helper()
	cfg := testFilterConfig()
	cfg.Policy = policy
	if len(patterns) > 0 {
		cfg.Patterns = patterns
	}
	f, err := NewSafetyFilter(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return f
}

func TestSafetyFilter_CleanDraftPassesThrough(t *testing.T) {
	f := newTestFilter(t, PolicyBlock)

	got := f.Filter(DraftReply{Text: "平日9時から18時まで営業しております。", Origin: OriginGenerated})

	assert.Equal(t, FinalReply{Text: "平日9時から18時まで営業しております。", Origin: OriginGenerated}, got)
}

func TestSafetyFilter_EveryPatternIsEnforced(t *testing.T) {
	cfg := testFilterConfig()
	block := newTestFilter(t, PolicyBlock)
	redact := newTestFilter(t, PolicyRedact)

	for _, p := range cfg.Patterns {
		for _, draft := range []string{p, "前置き" + p, p + "です", "これは" + p + "の話で、" + p + "もあります"} {
			t.Run(p+"/"+draft, func(t *testing.T) {
				blocked := block.Filter(DraftReply{Text: draft, Origin: OriginGenerated})
				assert.Equal(t, cfg.Fallback, blocked.Text)
				assert.Equal(t, OriginFallback, blocked.Origin)

				redacted := redact.Filter(DraftReply{Text: draft, Origin: OriginGenerated})
				assert.NotContains(t, redacted.Text, p)
				assert.Equal(t, OriginFiltered, redacted.Origin)
			})
		}
	}
}

func TestSafetyFilter_RedactsAllMatches(t *testing.T) {
	f := newTestFilter(t, PolicyRedact)

	got := f.Filter(DraftReply{Text: "必ず返金します。保証付きで必ず対応します。", Origin: OriginGenerated})

	assert.Equal(t, "＊＊＊します。＊＊＊付きで＊＊＊対応します。", got.Text)
	assert.Equal(t, OriginFiltered, got.Origin)
}

func TestSafetyFilter_CaseInsensitive(t *testing.T) {
	f := newTestFilter(t, PolicyRedact, "free trial")

	got := f.Filter(DraftReply{Text: "Start your FREE Trial today", Origin: OriginGenerated})

	assert.Equal(t, "Start your ＊＊＊ today", got.Text)
}

func TestSafetyFilter_RegexPatterns(t *testing.T) {
	f := newTestFilter(t, PolicyRedact, `re:\d+%オフ`)

	assert.Equal(t, []string{"50%オフ", "10%オフ"}, f.Matches("本日50%オフ、明日10%オフ"))
	got := f.Filter(DraftReply{Text: "本日50%オフ", Origin: OriginGenerated})
	assert.Equal(t, "本日＊＊＊", got.Text)
}

func TestSafetyFilter_OverlappingMatchesMerge(t *testing.T) {
	f := newTestFilter(t, PolicyRedact, "永久無料", "無料保証")

	got := f.Filter(DraftReply{Text: "永久無料保証です", Origin: OriginGenerated})

	assert.Equal(t, "＊＊＊です", got.Text)
}

func TestSafetyFilter_RedactionRepeatsUntilClean(t *testing.T) {
	cfg := testFilterConfig()
	cfg.Policy = PolicyRedact
	cfg.Placeholder = "*"
	cfg.Patterns = []string{"xy", `re:a\*b`}
	f, err := NewSafetyFilter(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	got := f.Filter(DraftReply{Text: "axyb", Origin: OriginGenerated})

	assert.Equal(t, "*", got.Text)
	assert.Empty(t, f.Matches(got.Text))
}

func TestSafetyFilter_FallbackDraftStaysFallback(t *testing.T) {
	f := newTestFilter(t, PolicyRedact)
	draft := DraftReply{Text: f.Fallback(), Origin: OriginFallback}

	assert.Equal(t, FinalReply{Text: f.Fallback(), Origin: OriginFallback}, f.Filter(draft))
}

func TestNewSafetyFilter_RejectsUnsafeConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.FilterConfig)
	}{
		{"unknown policy", func(c *config.FilterConfig) { c.Policy = "flag" }},
		{"empty fallback", func(c *config.FilterConfig) { c.Fallback = " " }},
		{"fallback contains denylisted word", func(c *config.FilterConfig) { c.Fallback = "全額返金いたします" }},
		{"placeholder contains denylisted word", func(c *config.FilterConfig) {
			c.Policy = PolicyRedact
			c.Placeholder = "[保証]"
		}},
		{"invalid regex", func(c *config.FilterConfig) { c.Patterns = []string{"re:(unclosed"} }},
		{"regex matching empty text", func(c *config.FilterConfig) { c.Patterns = []string{"re:a*"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testFilterConfig()
			tt.mutate(&cfg)
			_, err := NewSafetyFilter(cfg, zaptest.NewLogger(t))
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestSafetyFilter_FilteredOutputNeverContainsPatterns(t *testing.T) {
	f := newTestFilter(t, PolicyRedact)
	drafts := []string{
		"100%保証で必ず返金",
		"永久無料永久無料",
		strings.Repeat("返金", 20),
		"ご安心ください",
	}
	for _, d := range drafts {
		got := f.Filter(DraftReply{Text: d, Origin: OriginGenerated})
		assert.Empty(t, f.Matches(got.Text), d)
	}
}

func TestSafetyFilter_QuantifierPatternFromEnvironment(t *testing.T) {
	t.Setenv("NG_WORDS", `re:\d{2,4}円引き,返金`)
	cfg := config.Read()

	f, err := NewSafetyFilter(cfg.Filter, zaptest.NewLogger(t))
	require.NoError(t, err)

	got := f.Filter(DraftReply{Text: "今なら1000円引きです", Origin: OriginGenerated})
	assert.Equal(t, OriginFallback, got.Origin)
	assert.Equal(t, cfg.Filter.Fallback, got.Text)

	clean := f.Filter(DraftReply{Text: "今なら5円引きです", Origin: OriginGenerated})
	assert.Equal(t, OriginGenerated, clean.Origin)
}

func TestSafetyFilter_Policy(t *testing.T) {
	assert.Equal(t, PolicyBlock, newTestFilter(t, PolicyBlock).Policy())
	assert.Equal(t, PolicyRedact, newTestFilter(t, PolicyRedact).Policy())
}
