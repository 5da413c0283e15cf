package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docqa/internal/chunker"
	"github.com/kalambet/docqa/internal/composer"
	"github.com/kalambet/docqa/internal/conversation"
	"github.com/kalambet/docqa/internal/document"
	"github.com/kalambet/docqa/internal/engine"
	"github.com/kalambet/docqa/internal/expansion"
	"github.com/kalambet/docqa/internal/index"
	"github.com/kalambet/docqa/internal/reranking"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

const defaultTopK = 10

// Chatter generates the final answer.
type Chatter interface {
	Chat(ctx context.Context, messages []engine.Message) (string, error)
}

// Deps are the components the Orchestrator sequences. All of them are
// created at startup and owned by the caller.
type Deps struct {
	Registry      *document.Registry
	Chunker       *chunker.Chunker
	Embedder      *retrieval.Embedder
	Index         *index.Index
	Retriever     *retrieval.Retriever
	Expander      *expansion.Expander
	Reranker      reranking.Reranker
	Conversations *conversation.Store
	Composer      *composer.Composer
	Chat          Chatter

	// IndexDir is where the index is persisted after every mutation.
	// Empty keeps the index in memory only.
	IndexDir string
	// UploadDir keeps a copy of every uploaded file. Empty disables it.
	UploadDir string
	// TopK is the number of reranked passages offered to the composer.
	TopK int
}

// Orchestrator runs the upload, chat and clear flows.
type Orchestrator struct {
	deps Deps
	topK int

	// persistMu serializes index mutations with their persistence so the
	// on-disk copy always matches a complete in-memory state. It also
	// guards epoch.
	persistMu sync.Mutex
	// epoch counts clears. Requests that started before a clear must not
	// write into the emptied index or conversation store.
	epoch uint64
}

func (o *Orchestrator) currentEpoch() uint64 {
	o.persistMu.Lock()
	defer o.persistMu.Unlock()
	return o.epoch
}

// New creates an Orchestrator. TopK defaults to 10.
func New(deps Deps) *Orchestrator {
	topK := deps.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if deps.Reranker == nil {
		deps.Reranker = reranking.NoOpReranker{}
	}
	return &Orchestrator{deps: deps, topK: topK}
}

// UploadResult describes an indexed document.
type UploadResult struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	ChunkCount int    `json:"chunk_count"`
	Message    string `json:"message"`
}

// SourceDetail locates one passage used for an answer.
type SourceDetail struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Source     string `json:"source"`
	Page       int    `json:"page,omitempty"`
	Chunk      int    `json:"chunk"`
}

// Answer is the structured result of a chat request.
type Answer struct {
	Answer         string         `json:"answer"`
	Sources        []string       `json:"sources"`
	SourceDetails  []SourceDetail `json:"source_details"`
	ConversationID string         `json:"conversation_id"`
}

// Upload extracts, chunks, embeds and indexes one file. The index either
// gains all of the document's chunks or none of them.
func (o *Orchestrator) Upload(ctx context.Context, filename string, data []byte) (UploadResult, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return UploadResult{}, newError(KindValidation, nil, "filename is required")
	}
	if len(data) == 0 {
		return UploadResult{}, newError(KindValidation, nil, "file %s is empty", name)
	}

	epoch := o.currentEpoch()

	doc, err := o.deps.Registry.Load(ctx, name, data)
	switch {
	case errors.Is(err, document.ErrUnsupportedFormat):
		return UploadResult{}, newError(KindUnsupported, err, "unsupported file format %q, supported: %s",
			filepath.Ext(name), strings.Join(o.deps.Registry.Extensions(), ", "))
	case err != nil:
		return UploadResult{}, newError(KindExtraction, err, "extracting text from %s", name)
	}

	chunks := o.deps.Chunker.Split(doc)
	if len(chunks) == 0 {
		return UploadResult{}, newError(KindExtraction, nil, "no text found in %s", name)
	}

	if o.deps.UploadDir != "" {
		if err := saveUpload(o.deps.UploadDir, name, data); err != nil {
			return UploadResult{}, newError(KindInternal, err, "saving upload")
		}
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := o.deps.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return UploadResult{}, newError(KindEmbedding, err, "embedding %s", name)
	}

	if err := o.addAndPersist(epoch, doc.ID, chunks, vectors); err != nil {
		return UploadResult{}, err
	}

	slog.Info("document indexed", "document_id", doc.ID, "filename", name, "chunks", len(chunks))
	return UploadResult{
		DocumentID: doc.ID,
		Filename:   name,
		ChunkCount: len(chunks),
		Message:    fmt.Sprintf("Successfully processed and indexed %d chunks from %s", len(chunks), name),
	}, nil
}

func (o *Orchestrator) addAndPersist(epoch uint64, docID string, chunks []document.Chunk, vectors [][]float32) error {
	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	if o.epoch != epoch {
		return newError(KindIndexEmpty, index.ErrEmpty, "index was cleared while processing the upload, upload it again")
	}

	if err := o.deps.Index.Add(chunks, vectors); err != nil {
		return newError(KindIndex, err, "adding document to index")
	}
	if o.deps.IndexDir == "" {
		return nil
	}
	if err := o.deps.Index.Persist(o.deps.IndexDir); err != nil {
		o.deps.Index.RemoveDocument(docID)
		return newError(KindIndex, err, "persisting index")
	}
	return nil
}

func saveUpload(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating upload dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Chat answers query in the context of conversation convID. An empty
// convID starts a new conversation. Expansion and reranking degrade
// silently; every other failure ends the request and nothing is recorded.
func (o *Orchestrator) Chat(ctx context.Context, convID, query string) (Answer, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return Answer{}, newError(KindValidation, nil, "query is required")
	}
	if convID == "" {
		convID = uuid.New().String()
	}
	epoch := o.currentEpoch()
	if o.deps.Index.Len() == 0 {
		return Answer{}, newError(KindIndexEmpty, index.ErrEmpty, "no documents are indexed, upload a document first")
	}

	history := o.deps.Conversations.Get(convID)
	variants := o.deps.Expander.Expand(ctx, query, composer.HistoryMessages(history))

	candidates, err := o.deps.Retriever.Retrieve(ctx, variants)
	if err != nil {
		return Answer{}, retrievalError(err)
	}

	ranked := o.deps.Reranker.Rerank(ctx, query, candidates, o.topK)
	prompt := o.deps.Composer.Compose(query, ranked, history)

	reply, err := o.deps.Chat.Chat(ctx, prompt.Messages)
	if err != nil {
		return Answer{}, newError(KindGeneration, err, "generating answer")
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return Answer{}, newError(KindGeneration, nil, "model returned an empty answer")
	}

	if err := o.recordTurns(epoch, convID, query, reply); err != nil {
		return Answer{}, err
	}

	ans := Answer{
		Answer:         reply,
		Sources:        make([]string, 0, len(prompt.Passages)),
		SourceDetails:  make([]SourceDetail, 0, len(prompt.Passages)),
		ConversationID: convID,
	}
	for _, p := range prompt.Passages {
		ans.Sources = append(ans.Sources, p.Chunk.ID)
		ans.SourceDetails = append(ans.SourceDetails, SourceDetail{
			ChunkID:    p.Chunk.ID,
			DocumentID: p.Chunk.DocumentID,
			Source:     p.Chunk.Source,
			Page:       p.Chunk.Page,
			Chunk:      p.Chunk.Ordinal,
		})
	}

	slog.Debug("chat complete",
		"conversation_id", convID,
		"variants", len(variants),
		"candidates", len(candidates),
		"sources", len(ans.Sources),
		"history_turns", prompt.HistoryTurns,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return ans, nil
}

// recordTurns appends the exchange unless the index was cleared after the
// request started, in which case the answer is stale and is dropped.
func (o *Orchestrator) recordTurns(epoch uint64, convID, query, reply string) error {
	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	if o.epoch != epoch {
		return newError(KindIndexEmpty, index.ErrEmpty, "index was cleared while answering, upload a document first")
	}
	now := time.Now().UTC()
	o.deps.Conversations.Append(convID,
		conversation.Turn{Role: conversation.RoleUser, Text: query, Timestamp: now},
		conversation.Turn{Role: conversation.RoleAssistant, Text: reply, Timestamp: now},
	)
	return nil
}

// Search returns the k chunks most similar to query, without expansion,
// reranking or generation.
func (o *Orchestrator) Search(ctx context.Context, query string, k int) ([]retrieval.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, newError(KindValidation, nil, "query is required")
	}
	if k <= 0 {
		k = o.topK
	}
	if o.deps.Index.Len() == 0 {
		return nil, newError(KindIndexEmpty, index.ErrEmpty, "no documents are indexed, upload a document first")
	}
	results, err := o.deps.Retriever.Search(ctx, query, k)
	if err != nil {
		return nil, retrievalError(err)
	}
	return results, nil
}

func retrievalError(err error) *Error {
	switch {
	case errors.Is(err, retrieval.ErrEmbedding):
		return newError(KindEmbedding, err, "embedding query")
	case errors.Is(err, index.ErrEmpty):
		return newError(KindIndexEmpty, err, "no documents are indexed, upload a document first")
	}
	return newError(KindIndex, err, "searching index")
}

// Clear empties the index, removes its persisted copy and drops every
// conversation.
func (o *Orchestrator) Clear() error {
	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	o.epoch++
	o.deps.Index.Clear()
	o.deps.Conversations.ClearAll()
	if o.deps.IndexDir != "" {
		if err := storage.Remove(o.deps.IndexDir); err != nil {
			return newError(KindIndex, err, "removing persisted index")
		}
	}
	slog.Info("index and conversations cleared")
	return nil
}

// LoadIndex restores the persisted index, if any. A missing index is not an
// error; the service starts empty.
func (o *Orchestrator) LoadIndex() error {
	if o.deps.IndexDir == "" {
		return nil
	}
	err := o.deps.Index.Load(o.deps.IndexDir)
	switch {
	case errors.Is(err, index.ErrNotFound):
		slog.Info("no persisted index, starting empty", "dir", o.deps.IndexDir)
		return nil
	case err != nil:
		return newError(KindIndex, err, "loading index from %s", o.deps.IndexDir)
	}
	slog.Info("index loaded", "dir", o.deps.IndexDir, "chunks", o.deps.Index.Len())
	return nil
}

// RemoveDocument drops every chunk of a document and persists the result.
// It returns the number of chunks removed.
func (o *Orchestrator) RemoveDocument(docID string) (int, error) {
	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	n := o.deps.Index.RemoveDocument(docID)
	if n == 0 || o.deps.IndexDir == "" {
		return n, nil
	}
	if err := o.deps.Index.Persist(o.deps.IndexDir); err != nil {
		return n, newError(KindIndex, err, "persisting index")
	}
	slog.Info("document removed", "document_id", docID, "chunks", n)
	return n, nil
}

// Documents lists the indexed documents.
func (o *Orchestrator) Documents() []index.DocumentInfo {
	return o.deps.Index.Documents()
}

// History returns the recorded turns of a conversation.
func (o *Orchestrator) History(convID string) []conversation.Turn {
	return o.deps.Conversations.Get(convID)
}

// ClearConversation forgets one conversation. It reports whether it existed.
func (o *Orchestrator) ClearConversation(convID string) bool {
	return o.deps.Conversations.Clear(convID)
}

// IndexedChunks reports how many chunks are currently indexed.
func (o *Orchestrator) IndexedChunks() int {
	return o.deps.Index.Len()
}
