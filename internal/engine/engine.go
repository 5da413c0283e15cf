package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnsupported is returned by providers that lack an operation,
// e.g. embeddings on Anthropic.
var ErrUnsupported = errors.New("operation not supported by provider")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Engine abstracts the hosted model provider. Generation, query expansion
// and reranking use Chat; indexing and retrieval use Embed. Models are fixed
// when the engine is built.
type Engine interface {
	// Chat sends messages and returns the assistant's reply.
	Chat(ctx context.Context, messages []Message) (string, error)

	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Provider names accepted by New.
const (
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

// Config selects and configures one provider.
type Config struct {
	Provider          string
	BaseURL           string
	APIKey            string
	ChatModel         string
	EmbedModel        string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxTokens         int
}

// New builds the engine for cfg.Provider, rate limited when
// cfg.RequestsPerSecond is positive.
func New(ctx context.Context, cfg Config) (Engine, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	var (
		e   Engine
		err error
	)
	switch cfg.Provider {
	case ProviderOpenAI, "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai: api key is required")
		}
		e = NewOpenAIEngine(cfg)
	case ProviderOllama:
		e = NewOllamaEngine(cfg)
	case ProviderGemini:
		e, err = NewGeminiEngine(ctx, cfg)
	case ProviderAnthropic:
		e, err = NewAnthropicEngine(cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RequestsPerSecond > 0 {
		e = WithRateLimit(e, cfg.RequestsPerSecond)
	}
	return e, nil
}

// Combine returns an Engine that chats through chat and embeds through embed.
func Combine(chat, embed Engine) Engine {
	return &combined{chat: chat, embed: embed}
}

type combined struct {
	chat  Engine
	embed Engine
}

func (c *combined) Chat(ctx context.Context, messages []Message) (string, error) {
	return c.chat.Chat(ctx, messages)
}

func (c *combined) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.embed.Embed(ctx, text)
}

// StatusError is returned by HTTP providers for non-200 responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// splitSystem separates system messages from the conversation for
// providers that take the system prompt out of band.
func splitSystem(messages []Message) (system string, rest []Message) {
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
