package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same directory and verifies
// the migration is not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestReplaceAllAndLoadAll(t *testing.T) {
	s := openTestStore(t)

	records := []Record{
		{ChunkID: "d1:0", DocumentID: "d1", Source: "a.txt", Ordinal: 0, Start: 0, Page: 1, Text: "first", Embedding: []float32{1, 0, 0}},
		{ChunkID: "d1:1", DocumentID: "d1", Source: "a.txt", Ordinal: 1, Start: 4, Page: 2, Text: "second", Embedding: []float32{0, 1, 0}},
		{ChunkID: "d2:0", DocumentID: "d2", Source: "b.md", Ordinal: 0, Start: 0, Text: "third", Embedding: []float32{0, 0, -1.5}},
	}
	if err := s.ReplaceAll(Meta{Metric: "cosine", Dimension: 3}, records); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	meta, got, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if meta.Metric != "cosine" || meta.Dimension != 3 {
		t.Errorf("meta = %+v", meta)
	}
	if len(got) != len(records) {
		t.Fatalf("got %d records, want %d", len(got), len(records))
	}
	for i, r := range got {
		want := records[i]
		if r.Seq != i || r.ChunkID != want.ChunkID || r.DocumentID != want.DocumentID || r.Source != want.Source ||
			r.Ordinal != want.Ordinal || r.Start != want.Start || r.Page != want.Page || r.Text != want.Text {
			t.Errorf("record %d = %+v, want %+v", i, r, want)
		}
		for j := range want.Embedding {
			if r.Embedding[j] != want.Embedding[j] {
				t.Errorf("record %d embedding = %v, want %v", i, r.Embedding, want.Embedding)
				break
			}
		}
		if r.CreatedAt.IsZero() {
			t.Errorf("record %d has zero CreatedAt", i)
		}
	}

	// A second replace drops the earlier contents.
	if err := s.ReplaceAll(Meta{Metric: "l2", Dimension: 3}, records[:1]); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestOpenExisting_NotFound(t *testing.T) {
	_, err := OpenExisting(t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestOpenExisting_Corrupt(t *testing.T) {
	dir := t.TempDir()
	garbage := []byte("this is definitely not an sqlite database, just some bytes padded out ")
	for len(garbage) < 4096 {
		garbage = append(garbage, garbage...)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), garbage, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := OpenExisting(dir)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestLoadAll_BadBlobIsCorrupt(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.db.Exec(`INSERT INTO chunks (seq, chunk_id, document_id, ordinal, start_rune, text_chunk, embedding, created_at)
		VALUES (0, 'x:0', 'x', 0, 0, 'hi', X'000000', '2025-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, _, err := s.LoadAll()
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	if err := Remove(dir); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("database still present: %v", err)
	}
	// Removing again is a no-op.
	if err := Remove(dir); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}
