package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/kalambet/docqa/internal/document"
	"github.com/kalambet/docqa/internal/index"
)

// Result is a retrieved chunk with its similarity score and, once the
// reranker has seen it, its rerank score.
type Result struct {
	Chunk       document.Chunk
	Score       float32
	RerankScore float32
	Reranked    bool
}

// Searcher is the read side of the vector index.
type Searcher interface {
	Query(vec []float32, k int) ([]index.Result, error)
}

// Retriever combines embedding and vector search to find relevant chunks.
type Retriever struct {
	embedder   *Embedder
	index      Searcher
	perVariant int
}

// NewRetriever creates a Retriever that pulls perVariant candidates for
// every query variant.
func NewRetriever(embedder *Embedder, idx Searcher, perVariant int) *Retriever {
	if perVariant <= 0 {
		perVariant = 10
	}
	return &Retriever{embedder: embedder, index: idx, perVariant: perVariant}
}

// Embedder returns the embedder used for queries.
func (r *Retriever) Embedder() *Embedder { return r.embedder }

// Retrieve embeds every variant concurrently, queries the index for each and
// returns the union of candidates. A chunk found by several variants, or a
// chunk whose text duplicates an earlier one, appears once with its best
// score. The result is ordered by score; equal scores keep the order in
// which variants and their hits were listed, so arrival order of the
// concurrent embeddings never matters.
func (r *Retriever) Retrieve(ctx context.Context, variants []string) ([]Result, error) {
	if len(variants) == 0 {
		return nil, nil
	}
	vecs, err := r.embedder.EmbedBatch(ctx, variants)
	if err != nil {
		return nil, err
	}

	var merged []Result
	byID := make(map[string]int)
	byText := make(map[string]int)
	for i, vec := range vecs {
		hits, err := r.index.Query(vec, r.perVariant)
		if err != nil {
			return nil, fmt.Errorf("querying index for variant %d: %w", i, err)
		}
		for _, h := range hits {
			pos, ok := byID[h.Chunk.ID]
			if !ok {
				pos, ok = byText[h.Chunk.Text]
			}
			if ok {
				if h.Score > merged[pos].Score {
					merged[pos].Score = h.Score
				}
				continue
			}
			byID[h.Chunk.ID] = len(merged)
			byText[h.Chunk.Text] = len(merged)
			merged = append(merged, Result{Chunk: h.Chunk, Score: h.Score})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	return merged, nil
}

// Search embeds a single query and returns its top k chunks.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]Result, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := r.index.Query(vec, k)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{Chunk: h.Chunk, Score: h.Score}
	}
	return out, nil
}
