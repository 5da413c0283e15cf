package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docqa/internal/index"
)

const maxUploadSize = 50 << 20 // 50MB

func handleHealth(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"indexed_chunks": svc.IndexedChunks(),
		})
	}
}

func handleUpload(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				httpError(w, http.StatusRequestEntityTooLarge, "validation_error", "file exceeds %d bytes", tooBig.Limit)
				return
			}
			httpError(w, http.StatusBadRequest, "validation_error", "invalid multipart body: %v", err)
			return
		}
		if r.MultipartForm != nil {
			defer r.MultipartForm.RemoveAll()
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "multipart field \"file\" is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "reading upload: %v", err)
			return
		}

		res, err := svc.Upload(r.Context(), header.Filename, data)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleClear(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Clear(); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func handleListDocuments(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs := svc.Documents()
		if docs == nil {
			docs = []index.DocumentInfo{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
	}
}

func handleDeleteDocument(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		n, err := svc.RemoveDocument(id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if n == 0 {
			httpError(w, http.StatusNotFound, "not_found", "document %s not found", id)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "chunks_removed": n})
	}
}
