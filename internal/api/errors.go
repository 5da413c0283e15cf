package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/docqa/internal/pipeline"
)

var kindStatus = map[pipeline.Kind]int{
	pipeline.KindValidation:  http.StatusBadRequest,
	pipeline.KindUnsupported: http.StatusUnsupportedMediaType,
	pipeline.KindExtraction:  http.StatusUnprocessableEntity,
	pipeline.KindEmbedding:   http.StatusBadGateway,
	pipeline.KindIndex:       http.StatusInternalServerError,
	pipeline.KindIndexEmpty:  http.StatusConflict,
	pipeline.KindGeneration:  http.StatusBadGateway,
	pipeline.KindInternal:    http.StatusInternalServerError,
}

// statusFor returns the HTTP status for a pipeline error kind.
func statusFor(kind pipeline.Kind) int {
	if code, ok := kindStatus[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// writeServiceError reports err with its pipeline kind.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := pipeline.KindOf(err)
	code := statusFor(kind)

	msg := err.Error()
	var pe *pipeline.Error
	if errors.As(err, &pe) && code < 500 {
		// Client errors carry only the human readable part.
		msg = pe.Message
	}

	if code >= 500 {
		slog.Error("request failed", "path", r.URL.Path, "kind", kind, "error", err)
	} else {
		slog.Debug("request rejected", "path", r.URL.Path, "kind", kind, "error", err)
	}
	httpError(w, code, string(kind), "%s", msg)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
