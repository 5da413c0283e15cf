package document

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownLoader strips Markdown syntax and keeps prose and code.
type MarkdownLoader struct{}

func (MarkdownLoader) Extensions() []string   { return []string{".md", ".markdown"} }
func (MarkdownLoader) ContentTypes() []string { return []string{"text/markdown"} }

func (MarkdownLoader) Extract(_ context.Context, data []byte) (Content, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return Content{}, fmt.Errorf("%w: markdown is not valid UTF-8", ErrExtraction)
	}
	src := []byte(normalizeNewlines(string(data)))

	root := goldmark.New().Parser().Parse(text.NewReader(src))

	var sb strings.Builder
	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				endBlock(&sb)
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			sb.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.String:
			sb.Write(node.Value)
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(src))
			}
			endBlock(&sb)
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return Content{}, fmt.Errorf("%w: walking markdown: %v", ErrExtraction, err)
	}
	return Content{Text: strings.TrimSpace(sb.String())}, nil
}

// endBlock separates blocks by exactly one blank line.
func endBlock(sb *strings.Builder) {
	s := sb.String()
	switch {
	case s == "", strings.HasSuffix(s, "\n\n"):
	case strings.HasSuffix(s, "\n"):
		sb.WriteByte('\n')
	default:
		sb.WriteString("\n\n")
	}
}
