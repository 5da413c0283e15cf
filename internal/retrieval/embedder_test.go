package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/docqa/internal/engine"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEngine) Chat(context.Context, []engine.Message) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func (m *mockEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedFn(ctx, text)
}

func makeVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i) * 0.001
	}
	return v
}

func TestEmbed_ReturnsDimension(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(context.Context, string) ([]float32, error) {
			return makeVector(384), nil
		},
	}
	e := NewEmbedder(mock)

	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 384 {
		t.Errorf("got %d dimensions, want 384", len(vec))
	}
}

func TestEmbed_EngineError(t *testing.T) {
	cause := errors.New("connection refused")
	mock := &mockEngine{
		embedFn: func(context.Context, string) ([]float32, error) {
			return nil, cause
		},
	}
	_, err := NewEmbedder(mock).Embed(context.Background(), "hello")
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want wrapped cause", err)
	}
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			return []float32{float32(len(text))}, nil
		},
	}
	texts := []string{"a", "bbb", "cc", "dddd", "eeeee", "ffffff"}
	vecs, err := NewEmbedder(mock).EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	for i, text := range texts {
		if vecs[i][0] != float32(len(text)) {
			t.Errorf("vector %d = %v, want %d", i, vecs[i], len(text))
		}
	}
}

func TestEmbedBatch_BoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	release := make(chan struct{})
	mock := &mockEngine{
		embedFn: func(context.Context, string) ([]float32, error) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			<-release
			mu.Lock()
			active--
			mu.Unlock()
			return []float32{1}, nil
		},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewEmbedder(mock).EmbedBatch(context.Background(), make([]string, 12))
	}()
	for i := 0; i < 12; i++ {
		release <- struct{}{}
	}
	<-done

	if peak > defaultBatchConcurrency {
		t.Errorf("peak concurrency = %d, want <= %d", peak, defaultBatchConcurrency)
	}
}

func TestEmbedBatch_EngineError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			if text == "b" {
				return nil, errors.New("embedding failed")
			}
			return makeVector(8), nil
		},
	}
	_, err := NewEmbedder(mock).EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "embedding failed") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(context.Context, string) ([]float32, error) {
			t.Fatal("should not be called for empty input")
			return nil, nil
		},
	}
	vecs, err := NewEmbedder(mock).EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs != nil {
		t.Errorf("got %v, want nil", vecs)
	}
}

func TestEmbedder_ErrorsAreTagged(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(context.Context, string) ([]float32, error) {
			return nil, errors.New("401 unauthorized")
		},
	}
	e := NewEmbedder(mock)
	if _, err := e.Embed(context.Background(), "x"); !errors.Is(err, ErrEmbedding) {
		t.Errorf("Embed err = %v, want ErrEmbedding", err)
	}
	if _, err := e.EmbedBatch(context.Background(), []string{"x", "y"}); !errors.Is(err, ErrEmbedding) {
		t.Errorf("EmbedBatch err = %v, want ErrEmbedding", err)
	}
}
