package document

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// TextLoader reads UTF-8 plain text.
type TextLoader struct{}

func (TextLoader) Extensions() []string   { return []string{".txt", ".text", ".log", ".csv"} }
func (TextLoader) ContentTypes() []string { return []string{"text/plain", "text/csv"} }

func (TextLoader) Extract(_ context.Context, data []byte) (Content, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return Content{}, fmt.Errorf("%w: text is not valid UTF-8", ErrExtraction)
	}
	return Content{Text: normalizeNewlines(string(data))}, nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
