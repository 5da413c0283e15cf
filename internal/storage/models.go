package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no index database exists in the directory.
var ErrNotFound = errors.New("not found")

// ErrCorrupt is returned when the index database exists but cannot be read.
var ErrCorrupt = errors.New("corrupt index")

// Meta describes the index as a whole.
type Meta struct {
	Metric    string
	Dimension int
}

// Record is one persisted chunk with its embedding. Seq preserves the
// insertion order of the in-memory index across restarts.
type Record struct {
	Seq        int
	ChunkID    string
	DocumentID string
	Source     string
	Ordinal    int
	Start      int
	Page       int
	Text       string
	Embedding  []float32
	CreatedAt  time.Time
}
