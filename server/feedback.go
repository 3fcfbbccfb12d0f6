package server

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"blog-notifier/pkg/blog"
	"blog-notifier/subscriber"
)

// handleFeedback ingests bounce and complaint webhooks. Any storage failure answers
// 500 so the provider redelivers; applying an event twice is harmless.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	secret := r.URL.Query().Get("secret")
	if s.feedbackSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.feedbackSecret)) != 1 {
		s.writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "could not read body"})
		return
	}

	events, err := subscriber.ParseBrevoEvents(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.feedback.IngestFeedback(r.Context(), events)
	if err != nil {
		if errors.Is(err, blog.ErrValidation) {
			s.writeError(w, r, err)
			return
		}
		s.logger.Error("Feedback ingestion incomplete", "applied", res.Applied, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "applied": res.Applied})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "applied": res.Applied, "skipped": res.Skipped})
}
