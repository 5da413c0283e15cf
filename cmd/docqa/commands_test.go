package main

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/docqa/internal/config"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

// newTestServer answers "METHOD /path" keys with canned JSON. A key may be
// prefixed with a status code, e.g. "409 {...}".
func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			ContentType: r.Header.Get("Content-Type"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		resp, ok := responses[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if code, rest, found := strings.Cut(resp, " "); found {
			if status, err := strconv.Atoi(code); err == nil {
				w.WriteHeader(status)
				resp = rest
			}
		}
		w.Write([]byte(resp))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) last(t *testing.T) recordedRequest {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.requests) == 0 {
		t.Fatal("no request recorded")
	}
	return ts.requests[len(ts.requests)-1]
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// runCommand executes the CLI against ts and returns what was written to
// the command's stdout.
func runCommand(t *testing.T, ts *testServer, args ...string) (string, error) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func(string) (*apiClient, error) { return ts.client(), nil }
	oldColor := noColor
	noColor = true

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		newAPIClient = orig
		noColor = oldColor
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

var ctx = context.Background()

func TestUploadCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /upload": `{"document_id":"doc-1","filename":"notes.md","chunk_count":3,"message":"Successfully processed and indexed 3 chunks from notes.md"}`,
	})
	path := filepath.Join(t.TempDir(), "notes.md")
	os.WriteFile(path, []byte("# Notes\n\nbody text"), 0o644)

	if _, err := runCommand(t, ts, "upload", path); err != nil {
		t.Fatalf("upload: %v", err)
	}

	r := ts.last(t)
	if r.Method != http.MethodPost || r.Path != "/upload" {
		t.Fatalf("request = %s %s, want POST /upload", r.Method, r.Path)
	}
	mediaType, params, err := mime.ParseMediaType(r.ContentType)
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("content type = %q, want multipart/form-data", r.ContentType)
	}
	mr := multipart.NewReader(strings.NewReader(r.Body), params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("reading part: %v", err)
	}
	if part.FormName() != "file" || part.FileName() != "notes.md" {
		t.Errorf("part = %q/%q, want file/notes.md", part.FormName(), part.FileName())
	}
	data, _ := io.ReadAll(part)
	if string(data) != "# Notes\n\nbody text" {
		t.Errorf("uploaded content = %q", data)
	}
}

func TestUploadCommand_ReportsFailures(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /upload": `415 {"error":{"message":"unsupported file format \".exe\"","type":"unsupported_format"}}`,
	})
	path := filepath.Join(t.TempDir(), "tool.exe")
	os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F'}, 0o644)

	_, err := runCommand(t, ts, "upload", path, filepath.Join(t.TempDir(), "missing.txt"))
	if err == nil {
		t.Fatal("expected error when uploads fail")
	}
	if !strings.Contains(err.Error(), "2 of 2 uploads failed") {
		t.Errorf("error = %q", err)
	}
}

func TestAskCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat": `{"answer":"The scheduler picks the next task.","sources":["d:1"],
			"source_details":[{"chunk_id":"d:1","document_id":"d","source":"os.pdf","page":4,"chunk":1}],
			"conversation_id":"conv-9"}`,
	})

	out, err := runCommand(t, ts, "ask", "--sources", "-c", "conv-9", "how", "does", "scheduling", "work?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	r := ts.last(t)
	if !strings.Contains(r.Body, `"query":"how does scheduling work?"`) {
		t.Errorf("body = %s, want joined query", r.Body)
	}
	if !strings.Contains(r.Body, `"conversation_id":"conv-9"`) {
		t.Errorf("body = %s, want conversation id", r.Body)
	}
	if !strings.Contains(out, "The scheduler picks the next task.") {
		t.Errorf("output missing answer:\n%s", out)
	}
	if !strings.Contains(out, "os.pdf (page 4, chunk 1)") {
		t.Errorf("output missing source line:\n%s", out)
	}
}

func TestAskCommand_ServerError(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat": `409 {"error":{"message":"no documents are indexed, upload a document first","type":"index_empty"}}`,
	})

	_, err := runCommand(t, ts, "ask", "anything")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.HasPrefix(err.Error(), "index_empty: ") {
		t.Errorf("error = %q, want index_empty prefix", err)
	}
}

func TestAskCommand_MissingArgs(t *testing.T) {
	ts := newTestServer(t, nil)
	if _, err := runCommand(t, ts, "ask"); err == nil {
		t.Fatal("expected error for missing question")
	}
}

func TestSearchCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /search": `{"results":[{"chunk_id":"d:0","source":"a.txt","chunk":0,"text":"kernel boot","score":0.87}]}`,
	})

	out, err := runCommand(t, ts, "search", "-k", "3", "kernel boot")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if r := ts.last(t); r.Path != "/search?q=kernel+boot&k=3" {
		t.Errorf("path = %q", r.Path)
	}
	if !strings.Contains(out, "[score: 0.870] a.txt") || !strings.Contains(out, "kernel boot") {
		t.Errorf("output:\n%s", out)
	}
}

func TestSearchCommand_NoResults(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /search": `{"results":[]}`})
	out, err := runCommand(t, ts, "search", "nothing")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(out, "No results found.") {
		t.Errorf("output = %q", out)
	}
}

func TestDocumentsCommands(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /documents":          `{"documents":[{"document_id":"doc-1","source":"guide.pdf","chunk_count":12}]}`,
		"DELETE /documents/doc-1": `{"status":"deleted","chunks_removed":12}`,
	})

	out, err := runCommand(t, ts, "documents")
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	if !strings.Contains(out, "doc-1  guide.pdf  12 chunks") {
		t.Errorf("output = %q", out)
	}

	if _, err := runCommand(t, ts, "documents", "remove", "doc-1"); err != nil {
		t.Fatalf("documents remove: %v", err)
	}
	if r := ts.last(t); r.Method != http.MethodDelete || r.Path != "/documents/doc-1" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
}

func TestHistoryCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /conversations/c1": `{"conversation_id":"c1","turns":[
			{"role":"user","text":"what is a pipe?","timestamp":"2026-01-01T00:00:00Z"},
			{"role":"assistant","text":"A unidirectional channel.","timestamp":"2026-01-01T00:00:01Z"}]}`,
		"DELETE /conversations/c1": `{"status":"cleared"}`,
	})

	out, err := runCommand(t, ts, "history", "c1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "Q: what is a pipe?") || !strings.Contains(out, "A: A unidirectional channel.") {
		t.Errorf("output:\n%s", out)
	}

	if _, err := runCommand(t, ts, "history", "--forget", "c1"); err != nil {
		t.Fatalf("history --forget: %v", err)
	}
	if r := ts.last(t); r.Method != http.MethodDelete {
		t.Errorf("method = %s, want DELETE", r.Method)
	}
}

func TestClearCommand_RequiresConfirm(t *testing.T) {
	ts := newTestServer(t, map[string]string{"DELETE /clear": `{"status":"cleared"}`})

	if _, err := runCommand(t, ts, "clear"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	ts.mu.Lock()
	n := len(ts.requests)
	ts.mu.Unlock()
	if n != 0 {
		t.Fatalf("clear without --confirm sent %d requests", n)
	}

	if _, err := runCommand(t, ts, "clear", "--confirm"); err != nil {
		t.Fatalf("clear --confirm: %v", err)
	}
	if r := ts.last(t); r.Method != http.MethodDelete || r.Path != "/clear" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
}

func TestConfigSet(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	ts := newTestServer(t, nil)

	if _, err := runCommand(t, ts, "config", "set", "server.port", "9300"); err != nil {
		t.Fatalf("config set: %v", err)
	}
	if _, err := runCommand(t, ts, "config", "set", "no.such.key", "1"); err == nil {
		t.Error("expected error for unknown key")
	}

	t.Setenv("DOCQA_LLM_API_KEY", "k")
	out, err := runCommand(t, ts, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "server.port = 9300") {
		t.Errorf("config show output missing updated port:\n%s", out)
	}
	if strings.Contains(out, "= k ") {
		t.Errorf("config show leaked the api key:\n%s", out)
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusBadGateway,
		Body:       io.NopCloser(strings.NewReader("upstream down")),
	}
	err := decodeJSON(resp, &struct{}{})
	if err == nil || err.Error() != "server returned 502: upstream down" {
		t.Errorf("err = %v", err)
	}
}

func TestServerNotRunning(t *testing.T) {
	ts := newTestServer(t, nil)
	client := ts.client()
	ts.server.Close()

	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNewAPIClient_ExplicitURL(t *testing.T) {
	c, err := newAPIClient("http://example.test:9000/")
	if err != nil {
		t.Fatalf("newAPIClient: %v", err)
	}
	if c.baseURL != "http://example.test:9000" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
}

func TestPIDFilePath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("DOCQA_STORAGE_INDEX_DIR", "/var/lib/docqa/index")
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		t.Fatal(err)
	}
	if got := pidFilePath(cfg); got != filepath.Join("/var/lib/docqa", "docqa.pid") {
		t.Errorf("pidFilePath = %q", got)
	}

	path := filepath.Join(t.TempDir(), "run", "docqa.pid")
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("readPIDFile = %d, %v; want %d", pid, err, os.Getpid())
	}
	removePIDFile(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("PID file still present after remove")
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
