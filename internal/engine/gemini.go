package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiEngine uses the Google Gemini API for chat and embeddings.
type GeminiEngine struct {
	client     *genai.Client
	chatModel  string
	embedModel string
	timeout    time.Duration
}

// NewGeminiEngine creates a Gemini API client from cfg.
func NewGeminiEngine(ctx context.Context, cfg Config) (*GeminiEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiEngine{
		client:     client,
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbedModel,
		timeout:    cfg.Timeout,
	}, nil
}

// Chat maps assistant turns to the model role and passes system
// messages as the system instruction.
func (e *GeminiEngine) Chat(ctx context.Context, messages []Message) (string, error) {
	system, rest := splitSystem(messages)

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := string(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = string(genai.RoleModel)
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(m.Content)},
		})
	}

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Models.GenerateContent(ctx, e.chatModel, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				sb.WriteString(part.Text)
			}
		}
		if sb.Len() > 0 {
			break
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("gemini generate: empty response")
	}
	return sb.String(), nil
}

// Embed returns the embedding of text.
func (e *GeminiEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Models.EmbedContent(ctx, e.embedModel,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, &genai.EmbedContentConfig{})
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("gemini embed: empty embeddings")
	}
	return resp.Embeddings[0].Values, nil
}
