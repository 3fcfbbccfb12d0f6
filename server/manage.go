package server

import (
	"errors"
	"net/http"

	"blog-notifier/pkg/blog"
)

// handleUnsubscribe shows a confirmation form on GET so link scanners cannot
// unsubscribe anyone; POST performs the unsubscribe.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		token := r.URL.Query().Get("token")
		if token == "" {
			s.renderPage(w, http.StatusBadRequest, page{Title: "Link invalid", Message: "This unsubscribe link is missing its token."})
			return
		}
		s.renderPage(w, http.StatusOK, page{
			Title:   "Unsubscribe",
			Message: "Stop receiving new-post emails?",
			Token:   token,
		})
		return
	}

	req, err := readPublicRequest(w, r)
	if err != nil {
		s.renderPage(w, http.StatusBadRequest, page{Title: "Link invalid", Message: "The request could not be read."})
		return
	}

	_, err = s.subscriptions.Unsubscribe(r.Context(), req.Token)
	switch {
	case errors.Is(err, blog.ErrInvalidToken):
		s.renderPage(w, http.StatusBadRequest, page{
			Title:   "Link expired",
			Message: "This unsubscribe link is invalid or was already used.",
		})
		return
	case err != nil:
		s.logger.Error("Unsubscribe failed", "error", err)
		s.renderPage(w, http.StatusInternalServerError, page{
			Title:   "Something went wrong",
			Message: "We could not process your request. Please try again in a minute.",
		})
		return
	}

	s.renderPage(w, http.StatusOK, page{
		Title:   "You're unsubscribed",
		Message: "You will not receive any more new-post emails.",
	})
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	req, err := readPublicRequest(w, r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request body"})
		return
	}

	sub, err := s.subscriptions.UpdatePreferences(r.Context(), req.Token, req.Topics)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "topics": sub.Topics})
}
