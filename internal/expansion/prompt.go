package expansion

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/docqa/internal/engine"
)

const systemPrompt = `You rewrite questions about an indexed document into more specific search questions. ` +
	`Answer with a numbered list only. Do not add an introduction or explanation.`

// numberPrefix matches list markers such as "1.", "2)", "-3:" or "**4.**".
var numberPrefix = regexp.MustCompile(`^[^\p{L}\p{N}]*\d+\s*[.):-]?\**\s*`)

// BuildPrompt constructs the chat messages asking for n related questions.
// Recent history lets the model resolve follow-ups like "what about the second one?".
func BuildPrompt(query string, n int, history []engine.Message) []engine.Message {
	messages := []engine.Message{{Role: engine.RoleSystem, Content: systemPrompt}}
	messages = append(messages, history...)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Given the user question: %q\n\n", query)
	fmt.Fprintf(&sb, "Please generate %d related but more specific questions that would help provide a comprehensive answer.\n", n)
	sb.WriteString("Return only the questions as a numbered list without any introduction or explanation.")

	return append(messages, engine.Message{Role: engine.RoleUser, Content: sb.String()})
}

// ParseVariants extracts numbered questions from a model reply. Lines that do
// not start with a number are ignored. Variants equal to the original query
// or to an earlier variant (case-insensitively) are dropped, and at most max
// are returned.
func ParseVariants(reply, query string, max int) []string {
	seen := map[string]bool{normalize(query): true}
	var out []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !startsWithDigit(line) {
			continue
		}
		q := strings.TrimSpace(numberPrefix.ReplaceAllString(line, ""))
		q = strings.Trim(q, `"*`)
		key := normalize(q)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if len(out) == max {
			break
		}
	}
	return out
}

// startsWithDigit reports whether s begins with a digit once markdown
// decoration such as "**" or "- " is skipped.
func startsWithDigit(s string) bool {
	s = strings.TrimLeft(s, "*_-#> ")
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsDigit(r)
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
