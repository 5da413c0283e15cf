package engine

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/time/rate"
)

// WithRateLimit wraps e so that at most rps calls per second start,
// shared between Chat and Embed. Waiting honours ctx.
func WithRateLimit(e Engine, rps float64) Engine {
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	return &limited{next: e, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

type limited struct {
	next    Engine
	limiter *rate.Limiter
}

func (l *limited) Chat(ctx context.Context, messages []Message) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return l.next.Chat(ctx, messages)
}

func (l *limited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return l.next.Embed(ctx, text)
}
