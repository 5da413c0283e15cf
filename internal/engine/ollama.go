package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaEngine talks to an Ollama server's /api/chat and /api/embed.
type OllamaEngine struct {
	baseURL    string
	chatModel  string
	embedModel string
	timeout    time.Duration
	httpClient *http.Client
}

// NewOllamaEngine creates an engine from cfg. An empty BaseURL means localhost:11434.
func NewOllamaEngine(cfg Config) *OllamaEngine {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOllamaBaseURL
	}
	return &OllamaEngine{
		baseURL:    strings.TrimRight(base, "/"),
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbedModel,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
	}
}

// IsRunning returns true if the server responds to GET /api/tags with 200.
func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
}

// Chat sends a non-streaming chat request.
func (e *OllamaEngine) Chat(ctx context.Context, messages []Message) (string, error) {
	var result ollamaChatResponse
	if err := e.post(ctx, "/api/chat", ollamaChatRequest{Model: e.chatModel, Messages: messages}, &result); err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	return result.Message.Content, nil
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding vector for text.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	var result ollamaEmbedResponse
	if err := e.post(ctx, "/api/embed", ollamaEmbedRequest{Model: e.embedModel, Input: text}, &result); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("embed: empty embeddings array")
	}
	return result.Embeddings[0], nil
}

func (e *OllamaEngine) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
