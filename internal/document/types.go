package document

import (
	"sort"
	"time"
)

// PageBreak marks the rune offset in Document.Text where a page begins.
type PageBreak struct {
	Number int
	Offset int
}

// Document is an uploaded file after text extraction.
type Document struct {
	ID          string
	Name        string
	ContentType string
	Text        string
	Pages       []PageBreak // empty for formats without pages
	CreatedAt   time.Time
}

// PageAt returns the page number containing the rune offset, or 0 when the
// document has no page information.
func (d *Document) PageAt(offset int) int {
	if len(d.Pages) == 0 {
		return 0
	}
	i := sort.Search(len(d.Pages), func(i int) bool {
		return d.Pages[i].Offset > offset
	})
	if i == 0 {
		return d.Pages[0].Number
	}
	return d.Pages[i-1].Number
}

// Chunk is an immutable span of a document's text, the unit of indexing.
type Chunk struct {
	ID         string
	DocumentID string
	Source     string // original file name
	Ordinal    int
	Start      int // rune offset into Document.Text
	Text       string
	Page       int // 0 when unknown
}
