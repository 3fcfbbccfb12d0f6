package server

import (
	"errors"
	"net/http"

	"blog-notifier/pkg/blog"
	"blog-notifier/scheduler"
)

// handleWorkerPublish runs a fired schedule trigger. A post that no longer exists is
// acknowledged so the trigger is not retried. A partial fan-out answers 503 so the
// trigger is redelivered and the remaining recipients are sent on retry.
func (s *Server) handleWorkerPublish(w http.ResponseWriter, r *http.Request) {
	var p scheduler.Payload
	if err := decodeJSON(w, r, &p); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid payload"})
		return
	}
	if p.Kind != scheduler.KindPublishBlogPost || p.GroupID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "unsupported payload"})
		return
	}

	s.logger.Info("Publish trigger received", "group_id", p.GroupID, "notify", p.Notify, "topic", p.Topic)

	res, err := s.publisher.PublishNow(r.Context(), p.GroupID, p.Notify, p.Topic)
	if errors.Is(err, blog.ErrNotFound) {
		s.logger.Warn("Publish trigger for missing post", "group_id", p.GroupID)
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": false, "skipped": "not_found"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body := map[string]any{
		"ok":               true,
		"groupId":          res.GroupID,
		"publishAt":        res.PublishAt,
		"alreadyPublished": res.AlreadyPublished,
	}
	if res.Notification != nil {
		body["notification"] = res.Notification
		if res.Notification.Failed > 0 {
			s.logger.Warn("Publish notification incomplete, asking for redelivery",
				"group_id", res.GroupID,
				"failed", res.Notification.Failed,
				"attempted", res.Notification.Attempted)
			body["ok"] = false
			s.writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handleWorkerDispatch drains one round of the dispatch queue.
func (s *Server) handleWorkerDispatch(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil || s.handler == nil {
		s.writeError(w, r, blog.ErrConfiguration)
		return
	}

	res, err := s.dispatcher.Drain(r.Context(), s.handler)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Dispatch drain finished",
		"received", res.Received,
		"reclaimed", res.Reclaimed,
		"acked", res.Acked,
		"failed", res.Failed,
		"dead_lettered", res.DeadLettered)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}
