package server

import (
	"net/http"
	"strconv"

	"blog-notifier/pkg/blog"
)

// sendResponse is the admin view of a fan-out. Sent is set for direct delivery and
// Queued for queued delivery.
type sendResponse struct {
	Sent     *int          `json:"sent,omitempty"`
	Queued   *int          `json:"queued,omitempty"`
	Delivery blog.Delivery `json:"delivery,omitempty"`
	Failed   int           `json:"failed"`
	Total    int           `json:"total"`
	OK       bool          `json:"ok"`
	Skipped  bool          `json:"skipped,omitempty"`
}

func newSendResponse(res blog.SendResult) sendResponse {
	out := sendResponse{
		OK:       res.Failed == 0,
		Delivery: res.Delivery,
		Failed:   res.Failed,
		Total:    res.Attempted,
		Skipped:  res.Skipped,
	}
	n := res.Succeeded
	if res.Delivery == blog.DeliveryQueued {
		out.Queued = &n
	} else {
		out.Sent = &n
	}
	return out
}

func (s *Server) handleAdminSend(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("groupId")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force")) //nolint:errcheck // anything unparsable means false
	topic := r.URL.Query().Get("topic")

	res, err := s.notifier.SendNotification(r.Context(), groupID, topic, force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Admin send finished", "group_id", groupID, "force", force, "succeeded", res.Succeeded, "failed", res.Failed)
	s.writeJSON(w, http.StatusOK, newSendResponse(res))
}

type scheduleRequest struct {
	PublishAt string `json:"publishAt"`
	Topic     string `json:"topic"`
	Notify    bool   `json:"notify"`
}

func (s *Server) handleAdminSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request body"})
		return
	}

	res, err := s.publisher.SchedulePublish(r.Context(), r.PathValue("groupId"), req.PublishAt, req.Notify, req.Topic)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "scheduleName": res.ScheduleName, "runAt": res.RunAt})
}

func (s *Server) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.publisher.CancelSchedule(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
