package document

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// PDFLoader extracts per-page plain text and records page boundaries.
type PDFLoader struct{}

func (PDFLoader) Extensions() []string   { return []string{".pdf"} }
func (PDFLoader) ContentTypes() []string { return []string{"application/pdf"} }

func (PDFLoader) Extract(ctx context.Context, data []byte) (c Content, err error) {
	// The pdf package panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			c = Content{}
			err = fmt.Errorf("%w: malformed pdf: %v", ErrExtraction, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Content{}, fmt.Errorf("%w: opening pdf: %v", ErrExtraction, err)
	}

	var sb strings.Builder
	offset := 0
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return Content{}, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		txt, err := p.GetPlainText(nil)
		if err != nil {
			return Content{}, fmt.Errorf("%w: reading page %d: %v", ErrExtraction, i, err)
		}
		txt = strings.TrimSpace(normalizeNewlines(txt))
		if txt == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
			offset += 2
		}
		c.Pages = append(c.Pages, PageBreak{Number: i, Offset: offset})
		sb.WriteString(txt)
		offset += utf8.RuneCountInString(txt)
	}
	c.Text = sb.String()
	return c, nil
}
