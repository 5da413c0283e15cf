package index

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/kalambet/docqa/internal/document"
	"github.com/kalambet/docqa/internal/storage"
)

var (
	ErrNotFound          = errors.New("index not found")
	ErrCorrupt           = errors.New("index corrupt")
	ErrEmpty             = errors.New("index is empty")
	ErrCountMismatch     = errors.New("chunk and vector counts differ")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Metric selects how query vectors are compared with stored vectors.
type Metric string

const (
	Cosine Metric = "cosine"
	L2     Metric = "l2"
)

// ParseMetric accepts "cosine" or "l2"; empty means cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", Cosine:
		return Cosine, nil
	case L2:
		return L2, nil
	}
	return "", fmt.Errorf("unknown metric %q (want cosine or l2)", s)
}

// Result is a chunk matched by Query. Higher Score is closer: cosine
// similarity for Cosine, negated Euclidean distance for L2.
type Result struct {
	Chunk document.Chunk
	Score float32
}

// DocumentInfo summarises one indexed document.
type DocumentInfo struct {
	ID     string `json:"document_id"`
	Source string `json:"source"`
	Chunks int    `json:"chunk_count"`
}

type entry struct {
	chunk document.Chunk
	vec   []float32
	norm  float64
}

// Index is an exact nearest-neighbour index held in memory. Writers are
// serialized; queries share a read lock and see a stable state.
type Index struct {
	mu      sync.RWMutex
	metric  Metric
	dim     int
	entries []entry
	byID    map[string]int
}

// New returns an empty index using metric.
func New(metric Metric) *Index {
	if metric == "" {
		metric = Cosine
	}
	return &Index{metric: metric, byID: make(map[string]int)}
}

// Metric returns the metric fixed at construction.
func (ix *Index) Metric() Metric { return ix.metric }

// Len returns the number of indexed chunks.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Dimension returns the vector dimension, or 0 while the index is empty.
func (ix *Index) Dimension() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dim
}

// Add indexes chunks[i] with vectors[i]. A chunk whose ID is already present
// has its entry replaced in place. Either every pair is applied or none is.
func (ix *Index) Add(chunks []document.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks, %d vectors", ErrCountMismatch, len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	dim := ix.dim
	if dim == 0 {
		dim = len(vectors[0])
	}
	if dim == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}

	ix.dim = dim
	for i, ch := range chunks {
		e := entry{chunk: ch, vec: vectors[i], norm: norm(vectors[i])}
		if pos, ok := ix.byID[ch.ID]; ok {
			ix.entries[pos] = e
			continue
		}
		ix.byID[ch.ID] = len(ix.entries)
		ix.entries = append(ix.entries, e)
	}
	return nil
}

// Query returns up to k entries closest to vec, best first. Equal scores
// keep insertion order, so results are deterministic for a given state.
func (ix *Index) Query(vec []float32, k int) ([]Result, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.entries) == 0 {
		return nil, ErrEmpty
	}
	if len(vec) != ix.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(vec), ix.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	qnorm := norm(vec)
	results := make([]Result, len(ix.entries))
	for i, e := range ix.entries {
		results[i] = Result{Chunk: e.chunk, Score: ix.score(vec, qnorm, e)}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (ix *Index) score(q []float32, qnorm float64, e entry) float32 {
	switch ix.metric {
	case L2:
		var sum float64
		for i := range q {
			d := float64(q[i]) - float64(e.vec[i])
			sum += d * d
		}
		return float32(-math.Sqrt(sum))
	default:
		if qnorm == 0 || e.norm == 0 {
			return 0
		}
		var dot float64
		for i := range q {
			dot += float64(q[i]) * float64(e.vec[i])
		}
		return float32(dot / (qnorm * e.norm))
	}
}

// Clear removes every entry. The dimension is forgotten with them.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = nil
	ix.byID = make(map[string]int)
	ix.dim = 0
}

// RemoveDocument drops all chunks of a document and reports how many went.
func (ix *Index) RemoveDocument(docID string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	kept := ix.entries[:0]
	removed := 0
	for _, e := range ix.entries {
		if e.chunk.DocumentID == docID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	// Zero the tail so dropped vectors can be collected.
	for i := len(kept); i < len(ix.entries); i++ {
		ix.entries[i] = entry{}
	}
	ix.entries = kept
	ix.reindex()
	if len(ix.entries) == 0 {
		ix.dim = 0
	}
	return removed
}

func (ix *Index) reindex() {
	ix.byID = make(map[string]int, len(ix.entries))
	for i, e := range ix.entries {
		ix.byID[e.chunk.ID] = i
	}
}

// Chunk returns the indexed chunk with the given ID.
func (ix *Index) Chunk(id string) (document.Chunk, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	pos, ok := ix.byID[id]
	if !ok {
		return document.Chunk{}, false
	}
	return ix.entries[pos].chunk, true
}

// Documents lists indexed documents in the order they were first added.
func (ix *Index) Documents() []DocumentInfo {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var docs []DocumentInfo
	pos := make(map[string]int)
	for _, e := range ix.entries {
		i, ok := pos[e.chunk.DocumentID]
		if !ok {
			i = len(docs)
			pos[e.chunk.DocumentID] = i
			docs = append(docs, DocumentInfo{ID: e.chunk.DocumentID, Source: e.chunk.Source})
		}
		docs[i].Chunks++
	}
	return docs
}

// Persist writes the full index to dir, replacing what was there.
func (ix *Index) Persist(dir string) error {
	ix.mu.RLock()
	meta := storage.Meta{Metric: string(ix.metric), Dimension: ix.dim}
	records := make([]storage.Record, len(ix.entries))
	for i, e := range ix.entries {
		records[i] = storage.Record{
			ChunkID:    e.chunk.ID,
			DocumentID: e.chunk.DocumentID,
			Source:     e.chunk.Source,
			Ordinal:    e.chunk.Ordinal,
			Start:      e.chunk.Start,
			Page:       e.chunk.Page,
			Text:       e.chunk.Text,
			Embedding:  e.vec,
		}
	}
	ix.mu.RUnlock()

	s, err := storage.Open(dir)
	if err != nil {
		return fmt.Errorf("opening index store: %w", err)
	}
	defer s.Close()

	if err := s.ReplaceAll(meta, records); err != nil {
		return fmt.Errorf("persisting index: %w", err)
	}
	return nil
}

// Load replaces the in-memory contents with the index stored in dir.
// It returns ErrNotFound when dir holds no index and ErrCorrupt when the
// stored data cannot be read. On error the current contents are kept.
func (ix *Index) Load(dir string) error {
	s, err := storage.OpenExisting(dir)
	if err != nil {
		return mapStorageErr(err)
	}
	defer s.Close()

	meta, records, err := s.LoadAll()
	if err != nil {
		return mapStorageErr(err)
	}
	if len(records) > 0 {
		stored, err := ParseMetric(meta.Metric)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if stored != ix.metric {
			slog.Warn("index: stored metric differs from configured metric; scoring with configured metric",
				"stored", stored, "configured", ix.metric)
		}
	}

	dim := meta.Dimension
	if len(records) == 0 {
		dim = 0
	} else if dim == 0 {
		dim = len(records[0].Embedding)
	}

	entries := make([]entry, len(records))
	byID := make(map[string]int, len(records))
	for i, r := range records {
		if _, dup := byID[r.ChunkID]; dup {
			return fmt.Errorf("%w: duplicate chunk %s", ErrCorrupt, r.ChunkID)
		}
		if len(r.Embedding) != dim || dim == 0 {
			return fmt.Errorf("%w: chunk %s has %d dimensions, want %d", ErrCorrupt, r.ChunkID, len(r.Embedding), dim)
		}
		byID[r.ChunkID] = i
		entries[i] = entry{
			chunk: document.Chunk{
				ID:         r.ChunkID,
				DocumentID: r.DocumentID,
				Source:     r.Source,
				Ordinal:    r.Ordinal,
				Start:      r.Start,
				Text:       r.Text,
				Page:       r.Page,
			},
			vec:  r.Embedding,
			norm: norm(r.Embedding),
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = entries
	ix.byID = byID
	ix.dim = dim
	return nil
}

func mapStorageErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, storage.ErrCorrupt):
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return err
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}
