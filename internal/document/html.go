package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLLoader extracts visible text from HTML pages.
type HTMLLoader struct{}

func (HTMLLoader) Extensions() []string   { return []string{".html", ".htm", ".xhtml"} }
func (HTMLLoader) ContentTypes() []string { return []string{"text/html", "application/xhtml+xml"} }

func (HTMLLoader) Extract(_ context.Context, data []byte) (Content, error) {
	z := html.NewTokenizer(bytes.NewReader(data))

	var sb strings.Builder
	hidden := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return Content{}, fmt.Errorf("%w: tokenizing html: %v", ErrExtraction, err)
			}
			return Content{Text: strings.TrimSpace(sb.String())}, nil
		case html.StartTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if isHidden(a) {
				hidden++
			} else if isBlock(a) {
				newline(&sb)
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if isHidden(a) {
				if hidden > 0 {
					hidden--
				}
			} else if isBlock(a) {
				newline(&sb)
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if a := atom.Lookup(name); a == atom.Br || a == atom.Hr {
				newline(&sb)
			}
		case html.TextToken:
			if hidden > 0 {
				continue
			}
			words := strings.Fields(string(z.Text()))
			if len(words) == 0 {
				continue
			}
			if s := sb.String(); s != "" && !strings.HasSuffix(s, "\n") {
				sb.WriteByte(' ')
			}
			sb.WriteString(strings.Join(words, " "))
		}
	}
}

func isHidden(a atom.Atom) bool {
	switch a {
	case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head:
		return true
	}
	return false
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Br, atom.Li, atom.Ul, atom.Ol, atom.Tr, atom.Table,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Section, atom.Article, atom.Header, atom.Footer, atom.Pre, atom.Blockquote:
		return true
	}
	return false
}

func newline(sb *strings.Builder) {
	if s := sb.String(); s != "" && !strings.HasSuffix(s, "\n") {
		sb.WriteByte('\n')
	}
}
