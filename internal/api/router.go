package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/docqa/internal/conversation"
	"github.com/kalambet/docqa/internal/index"
	"github.com/kalambet/docqa/internal/pipeline"
	"github.com/kalambet/docqa/internal/retrieval"
)

// Service is the document QA core as seen by the HTTP and MCP layers.
// *pipeline.Orchestrator implements it.
type Service interface {
	Upload(ctx context.Context, filename string, data []byte) (pipeline.UploadResult, error)
	Chat(ctx context.Context, convID, query string) (pipeline.Answer, error)
	Search(ctx context.Context, query string, k int) ([]retrieval.Result, error)
	Clear() error
	Documents() []index.DocumentInfo
	RemoveDocument(docID string) (int, error)
	History(convID string) []conversation.Turn
	ClearConversation(convID string) bool
	IndexedChunks() int
}

// NewRouter returns the HTTP surface of the service.
func NewRouter(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors)

	r.Get("/health", handleHealth(svc))
	r.Post("/upload", handleUpload(svc))
	r.Post("/chat", handleChat(svc))
	r.Get("/search", handleSearch(svc))
	r.Delete("/clear", handleClear(svc))
	r.Get("/documents", handleListDocuments(svc))
	r.Delete("/documents/{id}", handleDeleteDocument(svc))
	r.Get("/conversations/{id}", handleGetConversation(svc))
	r.Delete("/conversations/{id}", handleDeleteConversation(svc))

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// cors allows browser front ends on any origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
