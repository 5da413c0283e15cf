package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kalambet/docqa/internal/conversation"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxSearchResults   = 50
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Query          string `json:"query" validate:"required,max=8000"`
	ConversationID string `json:"conversation_id" validate:"omitempty,max=128"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage turns validator errors into one readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func handleChat(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "invalid request body: %v", err)
			return
		}
		req.Query = strings.TrimSpace(req.Query)
		if err := validate.Struct(req); err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "%s", validationMessage(err))
			return
		}

		ans, err := svc.Chat(r.Context(), req.ConversationID, req.Query)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	}
}

type searchHit struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source"`
	Page       int     `json:"page,omitempty"`
	Chunk      int     `json:"chunk"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

func handleSearch(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			httpError(w, http.StatusBadRequest, "validation_error", "q is required")
			return
		}
		k := parseIntParam(r, "k", 5, maxSearchResults)

		results, err := svc.Search(r.Context(), query, k)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		hits := make([]searchHit, len(results))
		for i, res := range results {
			hits[i] = searchHit{
				ChunkID:    res.Chunk.ID,
				DocumentID: res.Chunk.DocumentID,
				Source:     res.Chunk.Source,
				Page:       res.Chunk.Page,
				Chunk:      res.Chunk.Ordinal,
				Text:       res.Chunk.Text,
				Score:      res.Score,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": hits})
	}
}

func handleGetConversation(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		turns := svc.History(id)
		if turns == nil {
			turns = []conversation.Turn{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conversation_id": id,
			"turns":           turns,
		})
	}
}

func handleDeleteConversation(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !svc.ClearConversation(id) {
			httpError(w, http.StatusNotFound, "not_found", "conversation %s not found", id)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
