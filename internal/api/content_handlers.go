package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	content, err := s.deps.Contents.Get(r.Context(), chi.URLParam(r, "content_id"))
	if err != nil {
		s.writeStoreError(w, err, "failed to load content")
		return
	}
	writeJSON(w, http.StatusOK, content)
}

// deleteContent removes a master record together with its platform records.
func (s *Server) deleteContent(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "content_id")
	if err := s.deps.Contents.Delete(r.Context(), contentID); err != nil {
		s.writeStoreError(w, err, "failed to delete content")
		return
	}
	s.logger.Info("content deleted via API", zap.String("content_id", contentID))
	w.WriteHeader(http.StatusNoContent)
}
