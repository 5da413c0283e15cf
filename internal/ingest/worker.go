package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/docqa/internal/pipeline"
)

const defaultDebounce = 500 * time.Millisecond

// Uploader indexes and removes documents.
type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (pipeline.UploadResult, error)
	RemoveDocument(docID string) (int, error)
}

type indexedFile struct {
	hash  string
	docID string
}

// Worker feeds files from a watched directory through the upload flow.
// A file is picked up once it has been quiet for the debounce interval.
// When it changes, its previous document is replaced; when it is removed,
// its document is dropped from the index.
type Worker struct {
	dir        string
	uploader   Uploader
	extensions map[string]bool
	debounce   time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	files   map[string]indexedFile
}

// NewWorker creates a Worker for dir accepting the given extensions.
// If debounce is <= 0, it defaults to 500ms.
func NewWorker(dir string, uploader Uploader, extensions []string, debounce time.Duration) *Worker {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	exts := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		exts[strings.ToLower(e)] = true
	}
	return &Worker{
		dir:        dir,
		uploader:   uploader,
		extensions: exts,
		debounce:   debounce,
		logger:     slog.Default().With("component", "ingest", "dir", dir),
		pending:    make(map[string]time.Time),
		files:      make(map[string]indexedFile),
	}
}

// Run indexes the files already in the directory, then watches it until ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating watch dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	if err := w.scan(); err != nil {
		w.logger.Warn("initial scan failed", "error", err)
	}
	w.logger.Info("watching directory for documents")

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev, time.Now())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		case now := <-ticker.C:
			w.RunOnce(ctx, now)
		}
	}
}

// scan queues every matching file currently in the directory.
func (w *Worker) scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	// Queue as already quiet so the first tick picks them up.
	quiet := time.Now().Add(-w.debounce)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if w.accepts(path) {
			w.mu.Lock()
			w.pending[path] = quiet
			w.mu.Unlock()
		}
	}
	return nil
}

func (w *Worker) accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return w.extensions[strings.ToLower(filepath.Ext(base))]
}

func (w *Worker) handleEvent(ev fsnotify.Event, now time.Time) {
	if !w.accepts(ev.Name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.mu.Lock()
		w.pending[ev.Name] = now
		w.mu.Unlock()
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.pending, ev.Name)
		prev, ok := w.files[ev.Name]
		delete(w.files, ev.Name)
		w.mu.Unlock()
		if ok {
			w.remove(ev.Name, prev.docID)
		}
	}
}

// RunOnce ingests every pending file that has been quiet for the debounce
// interval as of now. It returns the number of files processed.
func (w *Worker) RunOnce(ctx context.Context, now time.Time) int {
	w.mu.Lock()
	var due []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			due = append(due, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range due {
		if ctx.Err() != nil {
			break
		}
		if err := w.ingestFile(ctx, path); err != nil {
			w.logger.Warn("ingest failed", "file", filepath.Base(path), "error", err)
		}
	}
	return len(due)
}

func (w *Worker) ingestFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	prev, seen := w.files[path]
	w.mu.Unlock()
	if seen && prev.hash == hash {
		return nil
	}

	res, err := w.uploader.Upload(ctx, filepath.Base(path), data)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.files[path] = indexedFile{hash: hash, docID: res.DocumentID}
	w.mu.Unlock()

	if seen {
		w.remove(path, prev.docID)
	}
	w.logger.Info("file indexed", "file", filepath.Base(path), "document_id", res.DocumentID, "chunks", res.ChunkCount)
	return nil
}

func (w *Worker) remove(path, docID string) {
	if _, err := w.uploader.RemoveDocument(docID); err != nil {
		w.logger.Warn("removing stale document failed", "file", filepath.Base(path), "document_id", docID, "error", err)
	}
}
