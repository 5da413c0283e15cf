package expansion

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/docqa/internal/engine"
)

const (
	MinVariants     = 2
	MaxVariants     = 4
	defaultTimeout  = 10 * time.Second
	defaultVariants = 3
)

// Chatter is the chat half of engine.Engine.
type Chatter interface {
	Chat(ctx context.Context, messages []engine.Message) (string, error)
}

// Config controls expansion.
type Config struct {
	Enabled  bool
	Variants int
	Timeout  time.Duration
}

// Expander derives alternative phrasings of a query to widen retrieval.
type Expander struct {
	client   Chatter
	enabled  bool
	variants int
	timeout  time.Duration
}

// New creates an Expander. Variants is clamped to [MinVariants, MaxVariants].
func New(client Chatter, cfg Config) *Expander {
	n := cfg.Variants
	if n == 0 {
		n = defaultVariants
	}
	n = min(max(n, MinVariants), MaxVariants)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Expander{client: client, enabled: cfg.Enabled, variants: n, timeout: timeout}
}

// Expand returns the original query followed by up to the configured number
// of generated variants. Any failure (timeout, provider error, unusable
// reply) degrades to just the original query; the chat pipeline must not
// stop because expansion did.
func (e *Expander) Expand(ctx context.Context, query string, history []engine.Message) []string {
	out := []string{query}
	if !e.enabled || query == "" {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	reply, err := e.client.Chat(ctx, BuildPrompt(query, e.variants, history))
	if err != nil {
		slog.Warn("query expansion failed, using original query", "stage", "expand", "error", err)
		return out
	}

	variants := ParseVariants(reply, query, e.variants)
	if len(variants) == 0 {
		slog.Warn("query expansion returned no usable variants", "stage", "expand", "response", reply)
		return out
	}
	slog.Debug("query expanded", "variants", variants)
	return append(out, variants...)
}
