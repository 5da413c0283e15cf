package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	LLM          LLMConfig
	Embed        EmbedConfig
	Chunker      ChunkerConfig
	Index        IndexConfig
	Retrieval    RetrievalConfig
	Expansion    ExpansionConfig
	Reranking    RerankingConfig
	Conversation ConversationConfig
	Composer     ComposerConfig
	Ingest       IngestConfig
	Log          LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	IndexDir  string
	UploadDir string
}

type LLMConfig struct {
	Provider          string
	BaseURL           string
	ChatModel         string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
}

type EmbedConfig struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

type ChunkerConfig struct {
	Size    int
	Overlap int
}

type IndexConfig struct {
	Metric string
}

type RetrievalConfig struct {
	CandidatesPerVariant int
	TopK                 int
}

type ExpansionConfig struct {
	Enabled  bool
	Variants int
	Timeout  time.Duration
}

type RerankingConfig struct {
	Enabled     bool
	Timeout     time.Duration
	Concurrency int
}

type ConversationConfig struct {
	MaxTurns int
}

type ComposerConfig struct {
	MaxContextTokens int
}

type IngestConfig struct {
	WatchDir string
}

type LogConfig struct {
	Level string
}

// SlogLevel maps Level to a slog level. Unknown values mean info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

const defaultOllamaBaseURL = "http://localhost:11434"

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8001,
		},
		Storage: StorageConfig{
			IndexDir:  "data/processed/index",
			UploadDir: "documents",
		},
		LLM: LLMConfig{
			Provider:          "openai",
			BaseURL:           "https://api.openai.com/v1",
			ChatModel:         "gpt-4o-mini",
			Timeout:           60 * time.Second,
			RequestsPerSecond: 5,
		},
		Embed: EmbedConfig{
			Provider: "openai",
			BaseURL:  "https://api.openai.com/v1",
			Model:    "text-embedding-3-small",
			Timeout:  20 * time.Second,
		},
		Chunker:   ChunkerConfig{Size: 1000, Overlap: 200},
		Index:     IndexConfig{Metric: "cosine"},
		Retrieval: RetrievalConfig{CandidatesPerVariant: 10, TopK: 10},
		Expansion: ExpansionConfig{
			Enabled:  true,
			Variants: 3,
			Timeout:  10 * time.Second,
		},
		Reranking: RerankingConfig{
			Enabled:     true,
			Timeout:     15 * time.Second,
			Concurrency: 3,
		},
		Conversation: ConversationConfig{MaxTurns: 20},
		Composer:     ComposerConfig{MaxContextTokens: 6000},
		Log:          LogConfig{Level: "info"},
	}
}

// Load reads configuration from, lowest to highest precedence: built-in
// defaults, the YAML file at FilePath(), a .env file in the working
// directory and DOCQA_* environment variables. Variables already set in the
// environment win over .env entries.
func Load() (Config, error) {
	cfg, err := LoadUnvalidated()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadUnvalidated is Load without Validate, for commands that only talk to a
// running server or print settings.
func LoadUnvalidated() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	b, err := newFileBackend(FilePath())
	if err != nil {
		return Config{}, err
	}
	return read(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg, err := read(b)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func read(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	resolve(&cfg)
	return cfg, nil
}

// resolve fills values derived from other keys.
func resolve(cfg *Config) {
	if cfg.Embed.APIKey == "" {
		cfg.Embed.APIKey = cfg.LLM.APIKey
	}
	// The stock base URL belongs to OpenAI; other providers use their own.
	if cfg.LLM.Provider != "openai" && cfg.LLM.BaseURL == defaults().LLM.BaseURL {
		cfg.LLM.BaseURL = providerBaseURL(cfg.LLM.Provider)
	}
	if cfg.Embed.Provider != "openai" && cfg.Embed.BaseURL == defaults().Embed.BaseURL {
		cfg.Embed.BaseURL = providerBaseURL(cfg.Embed.Provider)
	}
}

func providerBaseURL(provider string) string {
	if provider == "ollama" {
		return defaultOllamaBaseURL
	}
	return ""
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "gemini", "anthropic":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("missing required config: API key for llm provider %q. "+
				"Set it via environment variable DOCQA_LLM_API_KEY", c.LLM.Provider)
		}
	case "ollama":
	default:
		return fmt.Errorf("llm.provider: unknown provider %q", c.LLM.Provider)
	}

	switch c.Embed.Provider {
	case "openai", "gemini":
		if c.Embed.APIKey == "" {
			return fmt.Errorf("missing required config: API key for embed provider %q. "+
				"Set it via environment variable DOCQA_EMBED_API_KEY or DOCQA_LLM_API_KEY", c.Embed.Provider)
		}
	case "ollama":
	case "anthropic":
		return fmt.Errorf("embed.provider: anthropic does not offer embeddings")
	default:
		return fmt.Errorf("embed.provider: unknown provider %q", c.Embed.Provider)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d is out of range", c.Server.Port)
	}
	if c.Chunker.Size <= 0 {
		return fmt.Errorf("chunker.size must be positive, got %d", c.Chunker.Size)
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap > c.Chunker.Size/2 {
		return fmt.Errorf("chunker.overlap must be in [0, %d] (half of chunker.size), got %d", c.Chunker.Size/2, c.Chunker.Overlap)
	}
	if c.Index.Metric != "cosine" && c.Index.Metric != "l2" {
		return fmt.Errorf("index.metric: must be cosine or l2, got %q", c.Index.Metric)
	}
	if c.Retrieval.TopK <= 0 || c.Retrieval.CandidatesPerVariant <= 0 {
		return fmt.Errorf("retrieval.top_k and retrieval.candidates_per_variant must be positive")
	}
	if c.Conversation.MaxTurns <= 0 {
		return fmt.Errorf("conversation.max_turns must be positive, got %d", c.Conversation.MaxTurns)
	}
	if c.Composer.MaxContextTokens <= 0 {
		return fmt.Errorf("composer.max_context_tokens must be positive, got %d", c.Composer.MaxContextTokens)
	}
	return nil
}
