package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "DOCQA_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "DOCQA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.index_dir", typ: kString, env: "DOCQA_STORAGE_INDEX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.IndexDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.IndexDir },
	},
	{
		key: "storage.upload_dir", typ: kString, env: "DOCQA_STORAGE_UPLOAD_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.UploadDir },
	},
	{
		key: "llm.provider", typ: kString, env: "DOCQA_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "DOCQA_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.chat_model", typ: kString, env: "DOCQA_LLM_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ChatModel },
	},
	{
		key: "llm.api_key", typ: kString, env: "DOCQA_LLM_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "DOCQA_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.requests_per_second", typ: kFloat, env: "DOCQA_LLM_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.LLM.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.RequestsPerSecond },
	},
	{
		key: "embed.provider", typ: kString, env: "DOCQA_EMBED_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embed.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.Provider },
	},
	{
		key: "embed.base_url", typ: kString, env: "DOCQA_EMBED_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embed.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.BaseURL },
	},
	{
		key: "embed.model", typ: kString, env: "DOCQA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embed.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.Model },
	},
	{
		key: "embed.api_key", typ: kString, env: "DOCQA_EMBED_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Embed.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.APIKey },
	},
	{
		key: "embed.timeout", typ: kDuration, env: "DOCQA_EMBED_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Embed.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embed.Timeout },
	},
	{
		key: "chunker.size", typ: kInt, env: "DOCQA_CHUNKER_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunker.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.Size },
	},
	{
		key: "chunker.overlap", typ: kInt, env: "DOCQA_CHUNKER_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunker.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.Overlap },
	},
	{
		key: "index.metric", typ: kString, env: "DOCQA_INDEX_METRIC",
		apply:   func(cfg *Config, v any) { cfg.Index.Metric = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.Metric },
	},
	{
		key: "retrieval.candidates_per_variant", typ: kInt, env: "DOCQA_RETRIEVAL_CANDIDATES_PER_VARIANT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.CandidatesPerVariant = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.CandidatesPerVariant },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "DOCQA_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "expansion.enabled", typ: kBool, env: "DOCQA_EXPANSION_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Expansion.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Expansion.Enabled },
	},
	{
		key: "expansion.variants", typ: kInt, env: "DOCQA_EXPANSION_VARIANTS",
		apply:   func(cfg *Config, v any) { cfg.Expansion.Variants = v.(int) },
		extract: func(cfg Config) any { return cfg.Expansion.Variants },
	},
	{
		key: "expansion.timeout", typ: kDuration, env: "DOCQA_EXPANSION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Expansion.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Expansion.Timeout },
	},
	{
		key: "reranking.enabled", typ: kBool, env: "DOCQA_RERANKING_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Reranking.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Reranking.Enabled },
	},
	{
		key: "reranking.timeout", typ: kDuration, env: "DOCQA_RERANKING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Reranking.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reranking.Timeout },
	},
	{
		key: "reranking.concurrency", typ: kInt, env: "DOCQA_RERANKING_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Reranking.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Reranking.Concurrency },
	},
	{
		key: "conversation.max_turns", typ: kInt, env: "DOCQA_CONVERSATION_MAX_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Conversation.MaxTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Conversation.MaxTurns },
	},
	{
		key: "composer.max_context_tokens", typ: kInt, env: "DOCQA_COMPOSER_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Composer.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Composer.MaxContextTokens },
	},
	{
		key: "ingest.watch_dir", typ: kString, env: "DOCQA_INGEST_WATCH_DIR",
		apply:   func(cfg *Config, v any) { cfg.Ingest.WatchDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.WatchDir },
	},
	{
		key: "log.level", typ: kString, env: "DOCQA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts raw to the Go type of the key.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using configured value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
