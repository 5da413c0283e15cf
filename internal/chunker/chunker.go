package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/kalambet/docqa/internal/document"
)

const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// separators are tried in order when looking for a natural split point.
var separators = []string{"\n\n", "\n", ". ", " "}

// Chunker splits document text into overlapping windows measured in runes.
type Chunker struct {
	Size    int
	Overlap int
}

// New returns a Chunker. Non-positive size falls back to DefaultSize and the
// overlap is clamped to [0, size/2].
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap > size/2 {
		overlap = size / 2
	}
	return &Chunker{Size: size, Overlap: overlap}
}

// Split cuts doc.Text into chunks. Consecutive chunks share up to Overlap
// runes; chunk i+1 always starts after chunk i starts and no later than
// chunk i ends, so the whole text is covered. Empty text yields nil.
func (c *Chunker) Split(doc *document.Document) []document.Chunk {
	runes := []rune(doc.Text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	var chunks []document.Chunk
	start := 0
	for start < n {
		end := start + c.Size
		if end >= n {
			end = n
		} else {
			end = splitPoint(runes, start, end, start+c.Size/2)
		}

		chunks = append(chunks, document.Chunk{
			ID:         ChunkID(doc.ID, len(chunks)),
			DocumentID: doc.ID,
			Source:     doc.Name,
			Ordinal:    len(chunks),
			Start:      start,
			Text:       string(runes[start:end]),
			Page:       doc.PageAt(start),
		})
		if end == n {
			break
		}

		next := end - c.Overlap
		// Prefer starting the next window at a word boundary.
		for next > start && next < end && !unicode.IsSpace(runes[next-1]) {
			next++
		}
		if next <= start || next > end {
			next = end
		}
		start = next
	}
	return chunks
}

// ChunkID is the stable identifier of the ordinal-th chunk of a document.
func ChunkID(docID string, ordinal int) string {
	return fmt.Sprintf("%s:%d", docID, ordinal)
}

// splitPoint moves end back to just after the latest separator found in
// runes[min:end]. It returns end unchanged when no separator exists there.
func splitPoint(runes []rune, start, end, min int) int {
	if min <= start {
		min = start + 1
	}
	window := string(runes[min:end])
	for _, sep := range separators {
		idx := strings.LastIndex(window, sep)
		if idx < 0 {
			continue
		}
		// idx is a byte offset into window; convert back to runes.
		return min + len([]rune(window[:idx+len(sep)]))
	}
	return end
}

// Reconstruct rebuilds the original text from chunks in ordinal order by
// taking each chunk's stride up to where the next chunk starts.
func Reconstruct(chunks []document.Chunk) string {
	var sb strings.Builder
	for i, ch := range chunks {
		r := []rune(ch.Text)
		if i+1 < len(chunks) {
			stride := chunks[i+1].Start - ch.Start
			if stride < len(r) {
				r = r[:stride]
			}
		}
		sb.WriteString(string(r))
	}
	return sb.String()
}
