package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/docqa/internal/engine"
	"github.com/kalambet/docqa/internal/retrieval"
)

const (
	defaultConcurrency = 3
	defaultTimeout     = 15 * time.Second
)

// Reranker reorders retrieved chunks by relevance to the original query.
// The output is always a permutation of the input, truncated to topK
// when topK is positive.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []retrieval.Result, topK int) []retrieval.Result
}

// Chatter is the chat half of engine.Engine.
type Chatter interface {
	Chat(ctx context.Context, messages []engine.Message) (string, error)
}

// Config controls reranking.
type Config struct {
	Enabled     bool
	Timeout     time.Duration
	Concurrency int
}

// New returns an LLMReranker if enabled, NoOpReranker otherwise.
func New(client Chatter, cfg Config) Reranker {
	if !cfg.Enabled {
		return NoOpReranker{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &LLMReranker{client: client, timeout: cfg.Timeout, concurrency: cfg.Concurrency}
}

// LLMReranker asks the chat model to score each (query, chunk) pair.
// Scoring runs concurrently, bounded by concurrency.
type LLMReranker struct {
	client      Chatter
	timeout     time.Duration
	concurrency int
}

type scored struct {
	pos   int
	score float64
}

// Rerank scores every candidate and sorts by that score. Candidates whose
// scoring failed keep their similarity order after the scored ones. If the
// timeout fires before scoring completes, or nothing could be scored, the
// similarity order is returned.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []retrieval.Result, topK int) []retrieval.Result {
	if len(candidates) == 0 {
		return nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Buffered so workers never block on send after we stop reading.
	results := make(chan scored, len(candidates))
	sem := make(chan struct{}, r.concurrency)

	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(pos int, c retrieval.Result) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-timeoutCtx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.scoreChunk(timeoutCtx, query, c.Chunk.Text)
			if err != nil {
				if timeoutCtx.Err() == nil {
					slog.Debug("reranker: score failed, keeping similarity rank", "chunk_id", c.Chunk.ID, "error", err)
				}
				return
			}
			results <- scored{pos: pos, score: score}
		}(i, c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-timeoutCtx.Done():
		slog.Warn("reranking timed out, using similarity order", "stage", "rerank", "error", timeoutCtx.Err())
		return similarityOrder(candidates, topK)
	}
	close(results)

	out := make([]retrieval.Result, len(candidates))
	copy(out, candidates)
	n := 0
	for s := range results {
		out[s.pos].RerankScore = float32(s.score)
		out[s.pos].Reranked = true
		n++
	}
	if n == 0 {
		slog.Warn("reranking scored no candidates, using similarity order", "stage", "rerank")
		return similarityOrder(candidates, topK)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Reranked != b.Reranked {
			return a.Reranked
		}
		if a.Reranked {
			return a.RerankScore > b.RerankScore
		}
		return a.Score > b.Score
	})
	return truncate(out, topK)
}

func (r *LLMReranker) scoreChunk(ctx context.Context, query, text string) (float64, error) {
	prompt := "Rate the relevance of the following passage to the question on a scale of 0.0 to 1.0.\n" +
		"Question: " + query + "\n" +
		"Passage: " + text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	resp, err := r.client.Chat(ctx, []engine.Message{{Role: engine.RoleUser, Content: prompt}})
	if err != nil {
		return 0, err
	}
	return parseScore(resp)
}

// parseScore extracts a relevance score from a model reply. Models often
// wrap JSON in markdown code fences or prepend filler, so the parser strips
// fences, cuts from the first { to the last } and unmarshals that.
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return 0, fmt.Errorf("response has no score field")
	}
	return *obj.Score, nil
}

// NoOpReranker keeps the similarity order. Used when reranking is disabled.
type NoOpReranker struct{}

func (NoOpReranker) Rerank(_ context.Context, _ string, candidates []retrieval.Result, topK int) []retrieval.Result {
	return similarityOrder(candidates, topK)
}

func similarityOrder(candidates []retrieval.Result, topK int) []retrieval.Result {
	out := make([]retrieval.Result, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return truncate(out, topK)
}

func truncate(rs []retrieval.Result, topK int) []retrieval.Result {
	if topK > 0 && len(rs) > topK {
		return rs[:topK]
	}
	return rs
}
