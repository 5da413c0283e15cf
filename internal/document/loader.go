package document

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	// ErrUnsupportedFormat is returned when no loader handles a file.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrExtraction is returned when a loader cannot read text out of a file.
	ErrExtraction = errors.New("extraction failed")
)

// Content is the raw text a Loader pulls out of a file.
type Content struct {
	Text  string
	Pages []PageBreak
}

// Loader extracts text from one family of file formats.
type Loader interface {
	// Extensions lists lower-case file extensions, including the dot.
	Extensions() []string
	// ContentTypes lists MIME types without parameters.
	ContentTypes() []string
	Extract(ctx context.Context, data []byte) (Content, error)
}

// Registry selects a Loader by file extension, falling back to content sniffing.
type Registry struct {
	byExt  map[string]Loader
	byType map[string]Loader
}

// NewRegistry indexes the given loaders. Later loaders win on conflicts.
func NewRegistry(loaders ...Loader) *Registry {
	r := &Registry{
		byExt:  make(map[string]Loader),
		byType: make(map[string]Loader),
	}
	for _, l := range loaders {
		for _, ext := range l.Extensions() {
			r.byExt[strings.ToLower(ext)] = l
		}
		for _, ct := range l.ContentTypes() {
			r.byType[ct] = l
		}
	}
	return r
}

// DefaultRegistry handles plain text, Markdown, HTML and PDF.
func DefaultRegistry() *Registry {
	return NewRegistry(TextLoader{}, MarkdownLoader{}, HTMLLoader{}, PDFLoader{})
}

// Extensions returns every extension the registry accepts.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Select returns the loader for filename, sniffing data when the extension is unknown.
func (r *Registry) Select(filename string, data []byte) (Loader, error) {
	if l, ok := r.byExt[strings.ToLower(filepath.Ext(filename))]; ok {
		return l, nil
	}
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		ct, _, _ := strings.Cut(m.String(), ";")
		if l, ok := r.byType[strings.TrimSpace(ct)]; ok {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
}

// Load extracts a Document from the named file contents.
func (r *Registry) Load(ctx context.Context, filename string, data []byte) (*Document, error) {
	l, err := r.Select(filename, data)
	if err != nil {
		return nil, err
	}
	content, err := l.Extract(ctx, data)
	if err != nil {
		if errors.Is(err, ErrExtraction) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrExtraction, filename, err)
	}
	if strings.TrimSpace(content.Text) == "" {
		return nil, fmt.Errorf("%w: %s: no text found", ErrExtraction, filename)
	}

	ct := ""
	if cts := l.ContentTypes(); len(cts) > 0 {
		ct = cts[0]
	}
	return &Document{
		ID:          uuid.New().String(),
		Name:        filepath.Base(filename),
		ContentType: ct,
		Text:        content.Text,
		Pages:       content.Pages,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
