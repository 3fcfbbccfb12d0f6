package server

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"blog-notifier/email"
	"blog-notifier/pkg/blog"
	"blog-notifier/subscriber"
)

// publicRequest is the body of the public subscription endpoints, sent either as JSON
// or as a form.
type publicRequest struct {
	Email  string   `json:"email"`
	Source string   `json:"source"`
	Token  string   `json:"token"`
	Topics []string `json:"topics"`
}

func readPublicRequest(w http.ResponseWriter, r *http.Request) (publicRequest, error) {
	var req publicRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")) //nolint:errcheck // empty means form
	if mediaType == "application/json" {
		if err := decodeJSON(w, r, &req); err != nil {
			return req, err
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.Email = r.FormValue("email")
		req.Source = r.FormValue("source")
		req.Token = r.FormValue("token")
		for _, v := range r.Form["topics"] {
			for t := range strings.SplitSeq(v, ",") {
				if t = strings.TrimSpace(t); t != "" {
					req.Topics = append(req.Topics, t)
				}
			}
		}
	}
	if req.Token == "" {
		req.Token = r.URL.Query().Get("token")
	}
	req.Email = strings.TrimSpace(req.Email)
	return req, nil
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	req, err := readPublicRequest(w, r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request body"})
		return
	}
	if req.Source == "" {
		req.Source = "web"
	}

	outcome, err := s.subscriptions.RequestSubscription(r.Context(), req.Email, req.Topics, req.Source)
	switch {
	case errors.Is(err, email.ErrRecipientNotVerified):
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "this address cannot receive mail from us yet"})
		return
	case errors.Is(err, subscriber.ErrConfirmationNotSent):
		s.logger.Error("Confirmation email not sent", "error", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": "could not send the confirmation email, please try again"})
		return
	case err != nil:
		s.writeError(w, r, err)
		return
	}

	// Every accepted request gets the same answer so the endpoint does not reveal
	// who is already on the list.
	s.logger.Info("Subscribe request handled", "outcome", outcome, "ip", clientIP(r))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"message": "Check your inbox to confirm your subscription.",
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	_, err := s.subscriptions.ConfirmSubscription(r.Context(), r.URL.Query().Get("token"))
	switch {
	case errors.Is(err, blog.ErrInvalidToken):
		s.renderPage(w, http.StatusBadRequest, page{
			Title:   "Link expired",
			Message: "This confirmation link is invalid or has expired. Please subscribe again.",
		})
		return
	case err != nil:
		s.logger.Error("Confirmation failed", "error", err)
		s.renderPage(w, http.StatusInternalServerError, page{
			Title:   "Something went wrong",
			Message: "We could not confirm your subscription. Please try the link again in a minute.",
		})
		return
	}

	s.renderPage(w, http.StatusOK, page{
		Title:   "You're subscribed",
		Message: "Thanks for confirming. New posts will arrive in your inbox.",
	})
}

func (s *Server) handleManageLink(w http.ResponseWriter, r *http.Request) {
	req, err := readPublicRequest(w, r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request body"})
		return
	}
	if err := s.subscriptions.RequestManageLink(r.Context(), req.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"message": "If that address is subscribed, a link to manage it is on its way.",
	})
}
