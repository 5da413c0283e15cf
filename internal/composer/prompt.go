package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/docqa/internal/conversation"
	"github.com/kalambet/docqa/internal/engine"
	"github.com/kalambet/docqa/internal/retrieval"
)

const defaultMaxContextTokens = 6000

const systemTemplate = `You are an expert helping developers understand concepts from %s. ` +
	`Answer only from the passages you are given and the conversation so far. ` +
	`If the passages do not contain the answer, say that you could not find it in the document.`

const instructions = `Please provide a comprehensive answer that:
1. Synthesizes information from all relevant passages
2. Uses clear examples and relevant quotes
3. Breaks down complex concepts into easy-to-understand parts
4. Uses a clear structure with sections and bullet points
5. Provides code examples if relevant
6. Maintains natural flow between concepts

Important: Do not mention page numbers, chunks, or source references in your answer.
Focus on delivering the information in a clear, user-friendly way.
If certain passages contradict each other, acknowledge this and explain the different perspectives.
Previous conversation context should be considered for a coherent dialogue.`

// Composer assembles the generation prompt from reranked passages, recent
// conversation turns and the user's question within a token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget.
// If maxContextTokens <= 0, the default (6000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Prompt is the composed request plus what made it in.
type Prompt struct {
	Messages     []engine.Message
	Passages     []retrieval.Result
	HistoryTurns int
}

// Compose builds the chat messages. Passages are taken in the given order
// and skipped when they no longer fit; the leftover budget is filled with
// history, newest turns first, which is then emitted oldest first.
func (c *Composer) Compose(query string, passages []retrieval.Result, history []conversation.Turn) Prompt {
	system := fmt.Sprintf(systemTemplate, documentLabel(passages))
	header := fmt.Sprintf("Based on the following passages ranked by relevance to the question: %q\n\n", query)
	footer := "\n\n" + instructions + "\n\nQuestion: " + query

	remaining := c.MaxContextTokens - EstimateTokens(system) - EstimateTokens(header) - EstimateTokens(footer)

	var (
		used    []retrieval.Result
		entries []string
	)
	for _, p := range passages {
		entry := formatPassage(len(entries)+1, p)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		entries = append(entries, entry)
		used = append(used, p)
		remaining -= tokens
	}

	var kept []engine.Message
	for i := len(history) - 1; i >= 0; i-- {
		tokens := EstimateTokens(history[i].Text)
		if tokens > remaining {
			break
		}
		remaining -= tokens
		kept = append(kept, turnMessage(history[i]))
	}

	messages := make([]engine.Message, 0, len(kept)+2)
	messages = append(messages, engine.Message{Role: engine.RoleSystem, Content: system})
	for i := len(kept) - 1; i >= 0; i-- {
		messages = append(messages, kept[i])
	}

	var sb strings.Builder
	sb.WriteString(header)
	if len(entries) == 0 {
		sb.WriteString("(no passages were found)")
	} else {
		sb.WriteString(strings.Join(entries, "\n\n"))
	}
	sb.WriteString(footer)
	messages = append(messages, engine.Message{Role: engine.RoleUser, Content: sb.String()})

	return Prompt{Messages: messages, Passages: used, HistoryTurns: len(kept)}
}

func formatPassage(n int, p retrieval.Result) string {
	relevance := p.Score
	if p.Reranked {
		relevance = p.RerankScore
	}
	page := "Unknown"
	if p.Chunk.Page > 0 {
		page = fmt.Sprint(p.Chunk.Page)
	}
	return fmt.Sprintf("[Passage %d, Relevance: %.3f]\n%s\n[Source: %s, Page %s, Chunk %d]",
		n, relevance, p.Chunk.Text, p.Chunk.Source, page, p.Chunk.Ordinal)
}

// documentLabel names the documents the passages come from, in first-seen order.
func documentLabel(passages []retrieval.Result) string {
	var names []string
	seen := map[string]bool{}
	for _, p := range passages {
		if p.Chunk.Source == "" || seen[p.Chunk.Source] {
			continue
		}
		seen[p.Chunk.Source] = true
		names = append(names, p.Chunk.Source)
	}
	switch len(names) {
	case 0:
		return "the uploaded documents"
	case 1:
		return names[0]
	}
	return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
}

func turnMessage(t conversation.Turn) engine.Message {
	role := engine.RoleUser
	if t.Role == conversation.RoleAssistant {
		role = engine.RoleAssistant
	}
	return engine.Message{Role: role, Content: t.Text}
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// HistoryMessages converts conversation turns to chat messages, oldest first.
func HistoryMessages(turns []conversation.Turn) []engine.Message {
	out := make([]engine.Message, len(turns))
	for i, t := range turns {
		out[i] = turnMessage(t)
	}
	return out
}
