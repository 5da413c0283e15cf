package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

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

// Three paragraphs that the test chunker splits into exactly three chunks.
const zooText = "Apples grow on trees in orchards during autumn.\n\n" +
	"Zebras run across the savanna grasslands of Kenya.\n\n" +
	"Volcanoes erupt molten lava from deep underground."

var vocabulary = []string{"apple", "zebra", "volcano"}

// fakeEngine embeds text as keyword counts and answers chat prompts by
// recognising which stage sent them.
type fakeEngine struct {
	mu          sync.Mutex
	expandErr   error
	generateErr error
	embedErr    error
	generated   [][]engine.Message

	// beforeEmbed and beforeGenerate run at the start of the matching call
	// when set. Tests use them to hold a request mid-flight.
	beforeEmbed    func()
	beforeGenerate func()
}

func (f *fakeEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if f.beforeEmbed != nil {
		f.beforeEmbed()
	}
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	lower := strings.ToLower(text)
	vec := make([]float32, len(vocabulary)+1)
	for i, w := range vocabulary {
		vec[i] = float32(strings.Count(lower, w))
	}
	vec[len(vocabulary)] = 0.1
	return vec, nil
}

func (f *fakeEngine) Chat(_ context.Context, msgs []engine.Message) (string, error) {
	last := msgs[len(msgs)-1].Content
	switch {
	case strings.Contains(last, "Rate the relevance"):
		return `{"score": 0.5}`, nil
	case strings.Contains(last, "related but more specific questions"):
		if f.expandErr != nil {
			return "", f.expandErr
		}
		return "1. Where do zebras live?\n2. How fast do zebras run?", nil
	}
	if f.beforeGenerate != nil {
		f.beforeGenerate()
	}
	f.mu.Lock()
	f.generated = append(f.generated, msgs)
	f.mu.Unlock()
	if f.generateErr != nil {
		return "", f.generateErr
	}
	return "Zebras run across the savanna.", nil
}

func (f *fakeEngine) generations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.generated)
}

func newTestOrchestrator(t *testing.T, eng *fakeEngine, indexDir, uploadDir string) *Orchestrator {
	t.Helper()
	idx := index.New(index.Cosine)
	emb := retrieval.NewEmbedder(eng)
	return New(Deps{
		Registry:      document.DefaultRegistry(),
		Chunker:       chunker.New(60, 0),
		Embedder:      emb,
		Index:         idx,
		Retriever:     retrieval.NewRetriever(emb, idx, 10),
		Expander:      expansion.New(eng, expansion.Config{Enabled: true, Timeout: time.Second}),
		Reranker:      reranking.New(eng, reranking.Config{Enabled: true, Timeout: time.Second}),
		Conversations: conversation.NewStore(20),
		Composer:      composer.New(4000),
		Chat:          eng,
		IndexDir:      indexDir,
		UploadDir:     uploadDir,
		TopK:          2,
	})
}

func mustUpload(t *testing.T, o *Orchestrator) UploadResult {
	t.Helper()
	res, err := o.Upload(context.Background(), "zoo.txt", []byte(zooText))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return res
}

func TestUploadThenChat_SourcesIncludeAnsweringChunk(t *testing.T) {
	eng := &fakeEngine{}
	o := newTestOrchestrator(t, eng, "", "")

	up := mustUpload(t, o)
	if up.ChunkCount != 3 {
		t.Fatalf("ChunkCount = %d, want 3", up.ChunkCount)
	}
	if up.Filename != "zoo.txt" || !strings.Contains(up.Message, "indexed 3 chunks from zoo.txt") {
		t.Errorf("upload result = %+v", up)
	}

	ans, err := o.Chat(context.Background(), "conv-1", "What do zebras do?")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	want := chunker.ChunkID(up.DocumentID, 1)
	if !slices.Contains(ans.Sources, want) {
		t.Errorf("Sources = %v, want to include %s", ans.Sources, want)
	}
	if ans.Sources[0] != want {
		t.Errorf("top source = %s, want %s", ans.Sources[0], want)
	}
	if len(ans.SourceDetails) != len(ans.Sources) {
		t.Fatalf("SourceDetails = %d, Sources = %d", len(ans.SourceDetails), len(ans.Sources))
	}
	if d := ans.SourceDetails[0]; d.DocumentID != up.DocumentID || d.Source != "zoo.txt" || d.Chunk != 1 {
		t.Errorf("SourceDetails[0] = %+v", d)
	}
	if ans.Answer != "Zebras run across the savanna." || ans.ConversationID != "conv-1" {
		t.Errorf("answer = %+v", ans)
	}

	hist := o.History("conv-1")
	if len(hist) != 2 || hist[0].Role != conversation.RoleUser || hist[1].Role != conversation.RoleAssistant {
		t.Fatalf("history = %+v", hist)
	}
	if hist[0].Text != "What do zebras do?" {
		t.Errorf("user turn = %q", hist[0].Text)
	}
}

func TestChat_FollowUpSeesHistory(t *testing.T) {
	eng := &fakeEngine{}
	o := newTestOrchestrator(t, eng, "", "")
	mustUpload(t, o)

	if _, err := o.Chat(context.Background(), "c", "Tell me about zebras"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Chat(context.Background(), "c", "Where do they run?"); err != nil {
		t.Fatal(err)
	}

	msgs := eng.generated[1]
	var sawHistory bool
	for _, m := range msgs[1 : len(msgs)-1] {
		if m.Content == "Tell me about zebras" {
			sawHistory = true
		}
	}
	if !sawHistory {
		t.Errorf("second generation prompt lacks the first question: %+v", msgs)
	}
	if got := len(o.History("c")); got != 4 {
		t.Errorf("history turns = %d, want 4", got)
	}
}

func TestChat_NewConversationID(t *testing.T) {
	o := newTestOrchestrator(t, &fakeEngine{}, "", "")
	mustUpload(t, o)

	ans, err := o.Chat(context.Background(), "", "zebras?")
	if err != nil {
		t.Fatal(err)
	}
	if ans.ConversationID == "" {
		t.Fatal("no conversation id assigned")
	}
	if len(o.History(ans.ConversationID)) != 2 {
		t.Error("turns not recorded under the new id")
	}
}

func TestChat_ExpansionFailureStillAnswers(t *testing.T) {
	eng := &fakeEngine{expandErr: errors.New("provider down")}
	o := newTestOrchestrator(t, eng, "", "")
	up := mustUpload(t, o)

	ans, err := o.Chat(context.Background(), "c", "What do zebras do?")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !slices.Contains(ans.Sources, chunker.ChunkID(up.DocumentID, 1)) {
		t.Errorf("Sources = %v", ans.Sources)
	}
}

func TestChat_GenerationFailureIsFatal(t *testing.T) {
	eng := &fakeEngine{generateErr: errors.New("503")}
	o := newTestOrchestrator(t, eng, "", "")
	mustUpload(t, o)

	_, err := o.Chat(context.Background(), "c", "zebras?")
	if KindOf(err) != KindGeneration {
		t.Fatalf("kind = %s (%v), want %s", KindOf(err), err, KindGeneration)
	}
	if len(o.History("c")) != 0 {
		t.Error("failed request recorded turns")
	}
}

func TestChat_EmptyIndex(t *testing.T) {
	eng := &fakeEngine{}
	o := newTestOrchestrator(t, eng, "", "")

	_, err := o.Chat(context.Background(), "c", "anything")
	if KindOf(err) != KindIndexEmpty {
		t.Fatalf("kind = %s, want %s", KindOf(err), KindIndexEmpty)
	}
	if !errors.Is(err, index.ErrEmpty) {
		t.Errorf("err = %v, want to wrap index.ErrEmpty", err)
	}
	if eng.generations() != 0 {
		t.Error("generation ran against an empty index")
	}
}

func TestChat_EmbeddingFailure(t *testing.T) {
	eng := &fakeEngine{}
	o := newTestOrchestrator(t, eng, "", "")
	mustUpload(t, o)
	eng.embedErr = errors.New("401")

	_, err := o.Chat(context.Background(), "c", "zebras?")
	if KindOf(err) != KindEmbedding {
		t.Fatalf("kind = %s (%v), want %s", KindOf(err), err, KindEmbedding)
	}
}

func TestChat_Validation(t *testing.T) {
	o := newTestOrchestrator(t, &fakeEngine{}, "", "")
	if _, err := o.Chat(context.Background(), "c", "   "); KindOf(err) != KindValidation {
		t.Errorf("kind = %s, want %s", KindOf(err), KindValidation)
	}
}

func TestUpload_Errors(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     []byte
		embedErr error
		want     Kind
	}{
		{"no filename", "", []byte("x"), nil, KindValidation},
		{"empty file", "a.txt", nil, nil, KindValidation},
		{"unsupported", "a.bin", []byte("\x7fELF\x02\x01\x01\x00\x00\x00"), nil, KindUnsupported},
		{"no text", "a.txt", []byte("   \n\n  "), nil, KindExtraction},
		{"embedding", "a.txt", []byte(zooText), errors.New("timeout"), KindEmbedding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(t, &fakeEngine{embedErr: tt.embedErr}, "", "")
			_, err := o.Upload(context.Background(), tt.filename, tt.data)
			if KindOf(err) != tt.want {
				t.Fatalf("kind = %s (%v), want %s", KindOf(err), err, tt.want)
			}
			if o.IndexedChunks() != 0 {
				t.Errorf("failed upload left %d chunks indexed", o.IndexedChunks())
			}
		})
	}
}

func TestUpload_KeepsOriginalFile(t *testing.T) {
	uploads := t.TempDir()
	o := newTestOrchestrator(t, &fakeEngine{}, "", uploads)

	if _, err := o.Upload(context.Background(), "../../etc/zoo.txt", []byte(zooText)); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(uploads, "zoo.txt"))
	if err != nil {
		t.Fatalf("reading saved upload: %v", err)
	}
	if string(got) != zooText {
		t.Error("saved upload differs from input")
	}
}

func TestUpload_FailedExtractionSavesNothing(t *testing.T) {
	uploads := t.TempDir()
	o := newTestOrchestrator(t, &fakeEngine{}, "", uploads)

	if _, err := o.Upload(context.Background(), "a.bin", []byte("\x7fELF\x02\x01\x01\x00\x00\x00")); KindOf(err) != KindUnsupported {
		t.Fatalf("kind = %s, want %s", KindOf(err), KindUnsupported)
	}
	if _, err := o.Upload(context.Background(), "blank.txt", []byte("   \n\n  ")); KindOf(err) != KindExtraction {
		t.Fatalf("kind = %s, want %s", KindOf(err), KindExtraction)
	}
	entries, err := os.ReadDir(uploads)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("upload dir has %d files after failed uploads, want 0", len(entries))
	}
}

func TestUpload_IsAdditive(t *testing.T) {
	o := newTestOrchestrator(t, &fakeEngine{}, "", "")
	a := mustUpload(t, o)
	b := mustUpload(t, o)

	if a.DocumentID == b.DocumentID {
		t.Fatal("uploads share a document id")
	}
	docs := o.Documents()
	if len(docs) != 2 || docs[0].Chunks != 3 || docs[1].Chunks != 3 {
		t.Errorf("Documents = %+v", docs)
	}
}

func TestClear_ThenChatReportsEmptyIndex(t *testing.T) {
	dir := t.TempDir()
	eng := &fakeEngine{}
	o := newTestOrchestrator(t, eng, dir, "")
	mustUpload(t, o)
	if _, err := o.Chat(context.Background(), "c", "zebras?"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, storage.FileName)); err != nil {
		t.Fatalf("index not persisted: %v", err)
	}

	if err := o.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, storage.FileName)); !os.IsNotExist(err) {
		t.Errorf("persisted index still present: %v", err)
	}
	if len(o.History("c")) != 0 {
		t.Error("conversation survived Clear")
	}

	before := eng.generations()
	_, err := o.Chat(context.Background(), "c", "zebras?")
	if KindOf(err) != KindIndexEmpty {
		t.Fatalf("kind = %s, want %s", KindOf(err), KindIndexEmpty)
	}
	if eng.generations() != before {
		t.Error("generation ran after Clear")
	}
}

// holdOnce returns a hook that blocks its first caller until release is
// closed, and a channel that is closed once that caller is blocked.
func holdOnce(release <-chan struct{}) (hook func(), entered <-chan struct{}) {
	in := make(chan struct{})
	var once sync.Once
	return func() {
		first := false
		once.Do(func() { first = true; close(in) })
		if first {
			<-release
		}
	}, in
}

func TestClear_DuringChatDropsStaleTurns(t *testing.T) {
	eng := &fakeEngine{}
	o := newTestOrchestrator(t, eng, t.TempDir(), "")
	mustUpload(t, o)

	release := make(chan struct{})
	hook, entered := holdOnce(release)
	eng.beforeGenerate = hook

	errc := make(chan error, 1)
	go func() {
		_, err := o.Chat(context.Background(), "c", "What do zebras do?")
		errc <- err
	}()

	<-entered
	if err := o.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	close(release)

	err := <-errc
	if KindOf(err) != KindIndexEmpty {
		t.Fatalf("kind = %s (%v), want %s", KindOf(err), err, KindIndexEmpty)
	}
	if h := o.History("c"); len(h) != 0 {
		t.Errorf("history after Clear = %d turns, want 0", len(h))
	}
}

func TestClear_DuringUploadDiscardsDocument(t *testing.T) {
	dir := t.TempDir()
	eng := &fakeEngine{}
	o := newTestOrchestrator(t, eng, dir, "")

	release := make(chan struct{})
	hook, entered := holdOnce(release)
	eng.beforeEmbed = hook

	errc := make(chan error, 1)
	go func() {
		_, err := o.Upload(context.Background(), "zoo.txt", []byte(zooText))
		errc <- err
	}()

	<-entered
	if err := o.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	close(release)

	err := <-errc
	if KindOf(err) != KindIndexEmpty {
		t.Fatalf("kind = %s (%v), want %s", KindOf(err), err, KindIndexEmpty)
	}
	if n := o.IndexedChunks(); n != 0 {
		t.Errorf("IndexedChunks = %d after Clear, want 0", n)
	}
	if _, err := os.Stat(filepath.Join(dir, storage.FileName)); !os.IsNotExist(err) {
		t.Errorf("persisted index recreated after Clear: %v", err)
	}

	eng.beforeEmbed = nil
	mustUpload(t, o)
	if o.IndexedChunks() != 3 {
		t.Errorf("IndexedChunks = %d after re-upload, want 3", o.IndexedChunks())
	}
}

func TestLoadIndex_RestoresPersistedState(t *testing.T) {
	dir := t.TempDir()
	first := newTestOrchestrator(t, &fakeEngine{}, dir, "")
	up := mustUpload(t, first)

	second := newTestOrchestrator(t, &fakeEngine{}, dir, "")
	if err := second.LoadIndex(); err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if second.IndexedChunks() != 3 {
		t.Fatalf("IndexedChunks = %d, want 3", second.IndexedChunks())
	}
	ans, err := second.Chat(context.Background(), "c", "What do zebras do?")
	if err != nil {
		t.Fatal(err)
	}
	if ans.Sources[0] != chunker.ChunkID(up.DocumentID, 1) {
		t.Errorf("Sources = %v", ans.Sources)
	}
}

func TestLoadIndex_MissingIsEmpty(t *testing.T) {
	o := newTestOrchestrator(t, &fakeEngine{}, t.TempDir(), "")
	if err := o.LoadIndex(); err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if o.IndexedChunks() != 0 {
		t.Error("index not empty")
	}
}

func TestLoadIndex_Corrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, storage.FileName), []byte("definitely not sqlite"), 0o644); err != nil {
		t.Fatal(err)
	}
	o := newTestOrchestrator(t, &fakeEngine{}, dir, "")
	err := o.LoadIndex()
	if KindOf(err) != KindIndex || !errors.Is(err, index.ErrCorrupt) {
		t.Fatalf("err = %v, want index_error wrapping ErrCorrupt", err)
	}
}

func TestSearch(t *testing.T) {
	o := newTestOrchestrator(t, &fakeEngine{}, "", "")
	if _, err := o.Search(context.Background(), "volcano", 1); KindOf(err) != KindIndexEmpty {
		t.Fatalf("kind = %s, want %s", KindOf(err), KindIndexEmpty)
	}
	up := mustUpload(t, o)

	got, err := o.Search(context.Background(), "volcano", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Chunk.ID != chunker.ChunkID(up.DocumentID, 2) {
		t.Errorf("Search = %+v", got)
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %s", got)
	}
	wrapped := errors.Join(errors.New("ctx"), newError(KindIndex, nil, "x"))
	if got := KindOf(wrapped); got != KindIndex {
		t.Errorf("KindOf(wrapped) = %s", got)
	}
	e := newError(KindExtraction, document.ErrExtraction, "reading %s", "a.pdf")
	if !errors.Is(e, document.ErrExtraction) {
		t.Error("Error does not unwrap")
	}
	if e.Error() != "reading a.pdf: "+document.ErrExtraction.Error() {
		t.Errorf("Error() = %q", e.Error())
	}
}

func TestRemoveDocument(t *testing.T) {
	dir := t.TempDir()
	o := newTestOrchestrator(t, &fakeEngine{}, dir, "")
	a := mustUpload(t, o)
	b := mustUpload(t, o)

	n, err := o.RemoveDocument(a.DocumentID)
	if err != nil || n != 3 {
		t.Fatalf("RemoveDocument = %d, %v", n, err)
	}
	if n, _ := o.RemoveDocument(a.DocumentID); n != 0 {
		t.Errorf("second remove = %d, want 0", n)
	}

	reloaded := newTestOrchestrator(t, &fakeEngine{}, dir, "")
	if err := reloaded.LoadIndex(); err != nil {
		t.Fatal(err)
	}
	docs := reloaded.Documents()
	if len(docs) != 1 || docs[0].ID != b.DocumentID {
		t.Errorf("persisted documents = %+v", docs)
	}
}
