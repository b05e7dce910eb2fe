package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// MaxRetrievalK bounds the number of hits fed into the generation prompt.
	MaxRetrievalK = 9

	defaultNGWords         = "返金,100%,永久無料,必ず,保証"
	defaultFallbackMessage = "お問い合わせありがとうございます。内容を確認のうえ、担当よりご連絡いたします。"
	defaultStyle           = "事実を優先し、断定しすぎない。不明点は「確認のうえご連絡します」と案内する。過度な確約や誤解を招く表現は避ける。"

	// Headroom on top of ReplyBudget for reading the request and writing the response.
	writeTimeoutMargin = 10 * time.Second
)

type Config struct {
	Server     ServerConfig
	Line       LineConfig
	Embedding  EmbeddingConfig
	Generation GenerationConfig
	Store      StoreConfig
	Retrieval  RetrievalConfig
	Style      StyleConfig
	Filter     FilterConfig
	Pipeline   PipelineConfig
	Logger     LoggerConfig
}

type ServerConfig struct {
	HTTPPort     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxInflight  int
}

type LineConfig struct {
	ChannelSecret string
	ChannelToken  string
	APIBase       string
}

type EmbeddingConfig struct {
	Provider  string
	Model     string
	Dimension int
	APIKey    string
}

type GenerationConfig struct {
	Provider    string
	Model       string
	Temperature float32
	APIKey      string
}

type StoreConfig struct {
	Driver      string
	DatabaseURL string
	Metric      string
}

type RetrievalConfig struct {
	K             int
	MinSimilarity float64
}

// StyleConfig only shapes the generation prompt.
type StyleConfig struct {
	Tone      string
	MaxLength int
	Persona   string
	Rules     string
}

type FilterConfig struct {
	Patterns    []string
	Policy      string
	Placeholder string
	Fallback    string
}

type PipelineConfig struct {
	EmbedTimeout    time.Duration
	RetrieveTimeout time.Duration
	GenerateTimeout time.Duration
	DispatchTimeout time.Duration
	EmbedRetries    int
	RetrieveRetries int
	GenerateRetries int
	DispatchRetries int
	Backoff         time.Duration
}

// ReplyBudget is the longest a synchronous reply can take when every
// embedding, retrieval and generation attempt runs to its timeout.
func (p PipelineConfig) ReplyBudget() time.Duration {
	return stageBudget(p.EmbedTimeout, p.EmbedRetries, p.Backoff) +
		stageBudget(p.RetrieveTimeout, p.RetrieveRetries, p.Backoff) +
		stageBudget(p.GenerateTimeout, p.GenerateRetries, p.Backoff)
}

func stageBudget(timeout time.Duration, retries int, backoff time.Duration) time.Duration {
	if retries < 0 {
		retries = 0
	}
	total := time.Duration(retries+1) * timeout
	for n, wait := 0, backoff; n < retries; n, wait = n+1, wait*2 {
		total += wait
	}
	return total
}

type LoggerConfig struct {
	Level string
}

// Load reads .env (if present) and the process environment into a validated Config.
func Load() (*Config, error) {
	cfg := Read()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation. Callers that need only part of the
// configuration validate what they use.
func Read() *Config {
	// .env is optional; the environment alone is enough in containers.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:    getEnv("HTTP_PORT", "8080"),
			ReadTimeout: getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			MaxInflight: getEnvAsInt("MAX_INFLIGHT", 64),
		},
		Line: LineConfig{
			ChannelSecret: getEnv("LINE_CHANNEL_SECRET", ""),
			ChannelToken:  getEnv("LINE_CHANNEL_TOKEN", ""),
			APIBase:       getEnv("LINE_API_BASE", "https://api.line.me"),
		},
		Store: StoreConfig{
			Driver:      getEnv("STORE_DRIVER", "sqlite"),
			DatabaseURL: getEnv("DATABASE_URL", "faq.db"),
			Metric:      getEnv("VECTOR_METRIC", "cosine"),
		},
		Retrieval: RetrievalConfig{
			K:             getEnvAsInt("RETRIEVAL_K", 5),
			MinSimilarity: getEnvAsFloat("MIN_SIMILARITY", 0.65),
		},
		Style: StyleConfig{
			Tone:      getEnv("REPLY_TONE", "formal"),
			MaxLength: getEnvAsInt("REPLY_MAX_LENGTH", 300),
			Persona:   getEnv("REPLY_PERSONA", "丁寧で親切なカスタマーサポート担当"),
			Rules:     getEnv("REPLY_STYLE", defaultStyle),
		},
		Filter: FilterConfig{
			Patterns:    getEnvAsList("NG_WORDS", defaultNGWords),
			Policy:      getEnv("NG_POLICY", "block"),
			Placeholder: getEnv("REDACTION_PLACEHOLDER", "＊＊＊"),
			Fallback:    getEnv("FALLBACK_MESSAGE", defaultFallbackMessage),
		},
		Pipeline: PipelineConfig{
			EmbedTimeout:    getEnvAsDuration("EMBED_TIMEOUT", 10*time.Second),
			RetrieveTimeout: getEnvAsDuration("RETRIEVE_TIMEOUT", 5*time.Second),
			GenerateTimeout: getEnvAsDuration("GENERATE_TIMEOUT", 30*time.Second),
			DispatchTimeout: getEnvAsDuration("DISPATCH_TIMEOUT", 15*time.Second),
			EmbedRetries:    getEnvAsInt("EMBED_RETRIES", 2),
			RetrieveRetries: getEnvAsInt("RETRIEVE_RETRIES", 2),
			GenerateRetries: getEnvAsInt("GENERATE_RETRIES", 1),
			DispatchRetries: getEnvAsInt("DISPATCH_RETRIES", 2),
			Backoff:         getEnvAsDuration("RETRY_BACKOFF", 200*time.Millisecond),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	cfg.Embedding = EmbeddingConfig{
		Provider:  getEnv("EMBEDDING_PROVIDER", "gemini"),
		Dimension: getEnvAsInt("EMBEDDING_DIM", 768),
	}
	cfg.Embedding.Model = getEnv("EMBEDDING_MODEL", defaultEmbeddingModel(cfg.Embedding.Provider))
	cfg.Embedding.APIKey = apiKeyFor(cfg.Embedding.Provider)

	cfg.Generation = GenerationConfig{
		Provider:    getEnv("GENERATION_PROVIDER", "gemini"),
		Temperature: float32(getEnvAsFloat("GENERATION_TEMPERATURE", 0.6)),
	}
	cfg.Generation.Model = getEnv("GENERATION_MODEL", defaultGenerationModel(cfg.Generation.Provider))
	cfg.Generation.APIKey = apiKeyFor(cfg.Generation.Provider)

	// Generation is retried at most once.
	if cfg.Pipeline.GenerateRetries > 1 {
		cfg.Pipeline.GenerateRetries = 1
	}
	cfg.Server.WriteTimeout = getEnvAsDuration("SERVER_WRITE_TIMEOUT", cfg.Pipeline.ReplyBudget()+writeTimeoutMargin)

	return cfg
}

// Validate checks the cross-field rules the pipeline relies on.
func (c *Config) Validate() error {
	var errs []error

	if c.Line.ChannelSecret == "" {
		errs = append(errs, errors.New("LINE_CHANNEL_SECRET is required"))
	}
	if c.Embedding.APIKey == "" {
		errs = append(errs, fmt.Errorf("API key for embedding provider %q is required", c.Embedding.Provider))
	}
	if c.Generation.APIKey == "" {
		errs = append(errs, fmt.Errorf("API key for generation provider %q is required", c.Generation.Provider))
	}
	if err := c.ValidateCore(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateCore checks everything except credentials, so tests and the
// dry-run ingester can build a config without secrets.
func (c *Config) ValidateCore() error {
	var errs []error

	switch c.Embedding.Provider {
	case "gemini", "openai":
	default:
		errs = append(errs, fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.Embedding.Provider))
	}
	switch c.Generation.Provider {
	case "gemini", "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("unknown GENERATION_PROVIDER %q", c.Generation.Provider))
	}
	if c.Embedding.Dimension < 1 {
		errs = append(errs, fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.Embedding.Dimension))
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	if c.Store.Metric != "cosine" {
		errs = append(errs, fmt.Errorf("unsupported VECTOR_METRIC %q (only cosine)", c.Store.Metric))
	}
	if c.Retrieval.K < 1 || c.Retrieval.K > MaxRetrievalK {
		errs = append(errs, fmt.Errorf("RETRIEVAL_K must be within 1..%d, got %d", MaxRetrievalK, c.Retrieval.K))
	}
	if c.Retrieval.MinSimilarity < -1 || c.Retrieval.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("MIN_SIMILARITY must be within -1..1, got %g", c.Retrieval.MinSimilarity))
	}
	switch c.Style.Tone {
	case "formal", "casual":
	default:
		errs = append(errs, fmt.Errorf("REPLY_TONE must be formal or casual, got %q", c.Style.Tone))
	}
	if c.Style.MaxLength < 0 {
		errs = append(errs, fmt.Errorf("REPLY_MAX_LENGTH must not be negative"))
	}
	switch c.Filter.Policy {
	case "block", "redact":
	default:
		errs = append(errs, fmt.Errorf("NG_POLICY must be block or redact, got %q", c.Filter.Policy))
	}
	if strings.TrimSpace(c.Filter.Fallback) == "" {
		errs = append(errs, errors.New("FALLBACK_MESSAGE must not be empty"))
	}
	for name, n := range map[string]int{
		"EMBED_RETRIES":    c.Pipeline.EmbedRetries,
		"RETRIEVE_RETRIES": c.Pipeline.RetrieveRetries,
		"GENERATE_RETRIES": c.Pipeline.GenerateRetries,
		"DISPATCH_RETRIES": c.Pipeline.DispatchRetries,
	} {
		if n < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if budget := c.Pipeline.ReplyBudget(); c.Server.WriteTimeout < budget {
		errs = append(errs, fmt.Errorf("SERVER_WRITE_TIMEOUT (%s) must cover the worst-case reply time of %s", c.Server.WriteTimeout, budget))
	}
	if c.Server.MaxInflight < 1 {
		errs = append(errs, errors.New("MAX_INFLIGHT must be positive"))
	}
	return errors.Join(errs...)
}

func defaultEmbeddingModel(provider string) string {
	if provider == "openai" {
		return "text-embedding-3-small"
	}
	return "text-embedding-004"
}

func defaultGenerationModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o-mini"
	case "anthropic":
		return "claude-3-5-haiku-latest"
	}
	return "gemini-1.5-flash-latest"
}

func apiKeyFor(provider string) string {
	switch provider {
	case "openai":
		return getEnv("OPENAI_API_KEY", "")
	case "anthropic":
		return getEnv("ANTHROPIC_API_KEY", "")
	}
	if key := getEnv("GEMINI_API_KEY", ""); key != "" {
		return key
	}
	return getEnv("GOOGLE_API_KEY", "")
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value, dropping blanks.
func getEnvAsList(key string, defaultValue string) []string {
	var out []string
	for _, item := range splitPatterns(getEnv(key, defaultValue)) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// splitPatterns splits on commas, except inside a "re:" entry where commas
// within {m,n} quantifiers or [...] classes, or escaped as \, belong to the
// expression.
func splitPatterns(value string) []string {
	var (
		out     []string
		start   int
		depth   int
		escaped bool
	)
	for i, r := range value {
		isRegex := strings.HasPrefix(strings.TrimSpace(value[start:]), "re:")
		switch {
		case escaped:
			escaped = false
		case isRegex && r == '\\':
			escaped = true
		case isRegex && (r == '{' || r == '['):
			depth++
		case isRegex && (r == '}' || r == ']') && depth > 0:
			depth--
		case r == ',' && depth == 0:
			out = append(out, value[start:i])
			start = i + 1
		}
	}
	return append(out, value[start:])
}
