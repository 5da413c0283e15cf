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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIEngine talks to any OpenAI-compatible /chat/completions and
// /embeddings API.
type OpenAIEngine struct {
	apiKey     string
	baseURL    string
	chatModel  string
	embedModel string
	timeout    time.Duration
	httpClient *http.Client
}

// NewOpenAIEngine creates an engine from cfg. An empty BaseURL means api.openai.com.
func NewOpenAIEngine(cfg Config) *OpenAIEngine {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	return &OpenAIEngine{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(base, "/"),
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbedModel,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
	}
}

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Chat returns the first choice of a non-streaming chat completion.
func (e *OpenAIEngine) Chat(ctx context.Context, messages []Message) (string, error) {
	var resp openAIChatResponse
	err := e.post(ctx, "/chat/completions", openAIChatRequest{
		Model:       e.chatModel,
		Messages:    messages,
		Temperature: 0.1,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding of text.
func (e *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp openAIEmbedResponse
	if err := e.post(ctx, "/embeddings", openAIEmbedRequest{Model: e.embedModel, Input: text}, &resp); err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding: empty data array")
	}
	return resp.Data[0].Embedding, nil
}

func (e *OpenAIEngine) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

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
