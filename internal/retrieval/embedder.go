package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/docqa/internal/engine"
	"golang.org/x/sync/errgroup"
)

const defaultBatchConcurrency = 4

// ErrEmbedding wraps every failure returned by the embedding provider.
var ErrEmbedding = errors.New("embedding service error")

// Embedder wraps an Engine to generate text embeddings.
type Embedder struct {
	engine      engine.Engine
	concurrency int
}

// NewEmbedder creates an Embedder using the given Engine.
func NewEmbedder(e engine.Engine) *Embedder {
	return &Embedder{engine: e, concurrency: defaultBatchConcurrency}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding text: %w", ErrEmbedding, err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently,
// in input order. The first failure cancels the rest.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.engine.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("%w: embedding text %d: %w", ErrEmbedding, i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
