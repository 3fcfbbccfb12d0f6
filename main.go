// Package main runs the blog publish and notify service on Cloud Run: scheduled
// publishing through Cloud Tasks and opt-in email notification of subscribers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/cloudtasks/v2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"blog-notifier/config"
	"blog-notifier/content"
	"blog-notifier/email"
	"blog-notifier/pipeline"
	"blog-notifier/poll"
	"blog-notifier/publish"
	"blog-notifier/queue"
	"blog-notifier/scheduler"
	"blog-notifier/server"
	"blog-notifier/storage"
	"blog-notifier/subscriber"
	"blog-notifier/token"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
	slog.SetDefault(logger)

	// admin-token prints a short-lived bearer token for the admin routes.
	if len(os.Args) > 1 && os.Args[1] == "admin-token" {
		tok, err := server.IssueAdminToken(cfg.AdminJWTSecret, "cli", time.Hour)
		if err != nil || cfg.AdminJWTSecret == "" {
			logger.Error("Cannot issue admin token; is ADMIN_JWT_SECRET set?", "error", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	objects, closeStorage, err := newObjectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStorage()

	provider, err := newEmailProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	sender := email.New(email.NewMeteredProvider(cfg.EmailProvider, provider, reg), logger, cfg.BaseURL, cfg.SiteName)

	var acc content.Accessor = content.NewStore(objects, logger)
	if !cfg.LocalMode() && cfg.LocalStorage != "" {
		// Read-through to a local mirror when the bucket is unavailable.
		mirror := storage.New(nil, "", cfg.LocalStorage, logger)
		acc = content.NewFallback(acc, content.NewStore(mirror, logger), logger)
		logger.Info("Content fallback enabled", "path", cfg.LocalStorage)
	}
	guard := content.NewGuard(0, 0, logger)

	tokens := token.New(objects, logger)
	dir := subscriber.NewDirectory(objects, []byte(cfg.SubscriberSalt), logger)
	subs := subscriber.NewService(dir, tokens, sender, cfg.SendTimeout, logger)

	metrics := pipeline.NewMetrics(reg)
	consumer := pipeline.NewConsumer(tokens, sender, dir, metrics, cfg.SendTimeout, logger)

	notifierCfg := &pipeline.Config{
		Content:        acc,
		Guard:          guard,
		Recipients:     dir,
		Markers:        tokens,
		Consumer:       consumer,
		Metrics:        metrics,
		Logger:         logger,
		SiteURL:        cfg.SiteURL,
		AllowList:      cfg.AllowList,
		Concurrency:    cfg.Concurrency,
		EnqueueTimeout: cfg.EnqueueTimeout,
		ResolveWait:    cfg.ResolveWait,
	}

	var dispatcher server.Dispatcher
	if cfg.QueueEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("Failed to close redis client", "error", err)
			}
		}()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}

		q := queue.New(rdb, queueConfig(cfg), logger)
		notifierCfg.Queue = q
		dispatcher = q
		logger.Info("Dispatch queue enabled", "addr", cfg.RedisAddr)
	} else {
		logger.Info("Dispatch queue disabled, notifications are sent directly")
	}
	notifier := pipeline.New(notifierCfg)

	bridge, err := newScheduler(ctx, cfg, logger)
	if err != nil {
		return err
	}
	machine := publish.New(acc, guard, bridge, notifier, logger)
	machine.SetResolveWait(cfg.ResolveWait)

	// Locally nothing calls the worker endpoints, so fire triggers and drain in-process.
	if mem, ok := bridge.(*scheduler.Memory); ok {
		go poll.New(mem, machine, dispatcher, consumer.HandleBatch, logger).Run(ctx)
	}

	srv := server.New(&server.Config{
		Publisher:      machine,
		Notifier:       notifier,
		Dispatcher:     dispatcher,
		Handler:        consumer.HandleBatch,
		Subscriptions:  subs,
		Feedback:       dir,
		Gatherer:       reg,
		Logger:         logger,
		WorkerSecret:   cfg.WorkerSecret,
		AdminJWTSecret: cfg.AdminJWTSecret,
		FeedbackSecret: cfg.FeedbackSecret,
		SiteName:       cfg.SiteName,
		RateLimit:      cfg.RateLimit,
	})
	return srv.ListenAndServe(ctx, cfg.Port)
}

// queueConfig maps service settings onto the dispatch queue. Zero values take the
// queue's defaults.
func queueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		Stream:            cfg.QueueStream,
		DedupWindow:       cfg.QueueDedupWindow,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		MaxReceives:       int64(cfg.QueueMaxReceives),
		BatchSize:         int64(cfg.QueueBatchSize),
	}
}

// newObjectStore opens the GCS bucket, or the local directory in development mode.
func newObjectStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, func(), error) {
	if cfg.LocalMode() {
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return storage.New(nil, "", cfg.LocalStorage, logger), func() {}, nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize storage client: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return storage.New(client, cfg.StorageBucket, "", logger), closeFn, nil
}

func newEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.EmailProvider {
	case config.ProviderBrevo:
		logger.Info("Using Brevo email provider", "from", cfg.FromAddress)
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.FromAddress, cfg.FromName, logger), nil
	case config.ProviderGmail:
		svc, err := initGmailService(ctx, cfg)
		if err != nil {
			if cfg.LocalMode() {
				logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
				return email.NewMockProvider(logger), nil
			}
			return nil, fmt.Errorf("initialize gmail service: %w", err)
		}
		logger.Info("Using Gmail email provider")
		return email.NewGmailProvider(svc, logger), nil
	default:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
}

func initGmailService(ctx context.Context, cfg *config.Config) (*gmail.Service, error) {
	// Try explicit credentials first (for local development or specific use cases)
	if cfg.GoogleCredentialsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
	}

	// On Cloud Run the service account supplies Application Default Credentials
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// newScheduler returns the Cloud Tasks bridge when configured. In local mode it falls
// back to an in-process bridge fired by the poll loop; otherwise scheduling is
// disabled and SchedulePublish reports a configuration error.
func newScheduler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (scheduler.Bridge, error) {
	if !cfg.SchedulerEnabled() {
		if cfg.LocalMode() {
			logger.Info("Using local scheduler")
			return scheduler.NewMemory(logger), nil
		}
		logger.Warn("CLOUD_TASKS_QUEUE not set, scheduling disabled")
		return nil, nil
	}

	svc, err := cloudtasks.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize cloud tasks client: %w", err)
	}
	return scheduler.NewCloudTasks(svc, scheduler.CloudTasksConfig{
		Queue:          cfg.CloudTasksQueue,
		TargetURL:      cfg.WorkerURL,
		WorkerSecret:   cfg.WorkerSecret,
		ServiceAccount: cfg.TasksServiceAccount,
	}, logger)
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // best effort
	}()

	return resp.StatusCode == http.StatusOK
}
