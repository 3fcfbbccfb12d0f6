// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blog-notifier/pkg/blog"
	"blog-notifier/publish"
	"blog-notifier/queue"
	"blog-notifier/subscriber"
)

// maxBodyBytes caps every request body the server reads.
const maxBodyBytes = 1 << 20

// Publisher drives post status transitions.
type Publisher interface {
	SchedulePublish(ctx context.Context, groupID, publishAt string, notify bool, topic string) (publish.ScheduleResult, error)
	CancelSchedule(ctx context.Context, name string) error
	PublishNow(ctx context.Context, groupID string, notify bool, topic string) (publish.PublishResult, error)
}

// Notifier runs notification fan-outs.
type Notifier interface {
	SendNotification(ctx context.Context, groupID, topic string, force bool) (blog.SendResult, error)
}

// Dispatcher drains the dispatch queue.
type Dispatcher interface {
	Drain(ctx context.Context, handler queue.Handler) (queue.DrainResult, error)
}

// Subscriptions implements the public subscription flows.
type Subscriptions interface {
	RequestSubscription(ctx context.Context, addr string, topics []string, source string) (subscriber.Outcome, error)
	ConfirmSubscription(ctx context.Context, raw string) (*blog.Subscriber, error)
	Unsubscribe(ctx context.Context, raw string) (*blog.Subscriber, error)
	UpdatePreferences(ctx context.Context, raw string, topics []string) (*blog.Subscriber, error)
	RequestManageLink(ctx context.Context, addr string) error
}

// FeedbackSink applies delivery feedback to subscribers.
type FeedbackSink interface {
	IngestFeedback(ctx context.Context, events []subscriber.Feedback) (subscriber.FeedbackResult, error)
}

// Server handles HTTP requests.
type Server struct {
	publisher      Publisher
	notifier       Notifier
	dispatcher     Dispatcher
	handler        queue.Handler
	subscriptions  Subscriptions
	feedback       FeedbackSink
	gatherer       prometheus.Gatherer
	limiter        *rateLimiter
	logger         *slog.Logger
	workerSecret   string
	adminSecret    []byte
	feedbackSecret string
	siteName       string
}

// Config holds server configuration.
type Config struct {
	Publisher     Publisher
	Notifier      Notifier
	Dispatcher    Dispatcher    // Nil when the dispatch queue is disabled
	Handler       queue.Handler // Consumes drained messages
	Subscriptions Subscriptions
	Feedback      FeedbackSink
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger

	WorkerSecret   string
	AdminJWTSecret string
	FeedbackSecret string
	SiteName       string

	RateLimit  int           // Requests per RateWindow per client IP on public routes
	RateWindow time.Duration // Defaults to one hour
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	siteName := cfg.SiteName
	if siteName == "" {
		siteName = "the blog"
	}
	return &Server{
		publisher:      cfg.Publisher,
		notifier:       cfg.Notifier,
		dispatcher:     cfg.Dispatcher,
		handler:        cfg.Handler,
		subscriptions:  cfg.Subscriptions,
		feedback:       cfg.Feedback,
		gatherer:       cfg.Gatherer,
		limiter:        newRateLimiter(cfg.RateLimit, cfg.RateWindow),
		logger:         cfg.Logger,
		workerSecret:   cfg.WorkerSecret,
		adminSecret:    []byte(cfg.AdminJWTSecret),
		feedbackSecret: cfg.FeedbackSecret,
		siteName:       siteName,
	}
}

// Handler returns the routed request handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("POST /worker/publish", s.requireWorker(s.handleWorkerPublish))
	mux.HandleFunc("POST /worker/dispatch", s.requireWorker(s.handleWorkerDispatch))

	mux.HandleFunc("POST /admin/posts/{groupId}/send", s.requireAdmin(s.handleAdminSend))
	mux.HandleFunc("POST /admin/posts/{groupId}/schedule", s.requireAdmin(s.handleAdminSchedule))
	mux.HandleFunc("POST /admin/schedules/{name}/cancel", s.requireAdmin(s.handleAdminCancel))

	mux.HandleFunc("POST /subscribe", s.rateLimited(s.handleSubscribe))
	mux.HandleFunc("GET /confirm", s.rateLimited(s.handleConfirm))
	mux.HandleFunc("GET /unsubscribe", s.rateLimited(s.handleUnsubscribe))
	mux.HandleFunc("POST /unsubscribe", s.rateLimited(s.handleUnsubscribe))
	mux.HandleFunc("POST /preferences", s.rateLimited(s.handlePreferences))
	mux.HandleFunc("POST /manage-link", s.rateLimited(s.handleManageLink))

	mux.HandleFunc("POST /webhooks/feedback", s.handleFeedback)

	return mux
}

// ListenAndServe serves the handler on port until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // Direct fan-outs and queue drains run inline
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// writeError maps err onto a status code. Server-side failures are logged and
// answered with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := blog.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", r.URL.Path, "status", status, "error", err)
		msg = http.StatusText(status)
	}
	s.writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// decodeJSON reads a JSON body into v. An empty body leaves v unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// clientIP returns the first X-Forwarded-For hop set by the load balancer, or the
// remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
