// Package config loads service settings from the environment, optionally layered over
// a YAML file named by CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"blog-notifier/pkg/blog"
)

// Email providers.
const (
	ProviderMock  = "mock"
	ProviderGmail = "gmail"
	ProviderBrevo = "brevo"
)

// Config holds every runtime setting. Environment variables win over the file.
type Config struct {
	Port     string `yaml:"port"`
	BaseURL  string `yaml:"base_url"` // Where this service is reachable; used in email links
	SiteURL  string `yaml:"site_url"` // Public site; post links are <SiteURL>/blog/<groupId>
	SiteName string `yaml:"site_name"`
	LogLevel string `yaml:"log_level"`

	StorageBucket string `yaml:"storage_bucket"`
	LocalStorage  string `yaml:"local_storage"`

	EmailProvider         string `yaml:"email_provider"`
	GoogleCredentialsJSON string `yaml:"-"`
	BrevoAPIKey           string `yaml:"-"`
	FromAddress           string `yaml:"from_address"`
	FromName              string `yaml:"from_name"`

	SubscriberSalt string `yaml:"-"`
	WorkerSecret   string `yaml:"-"`
	AdminJWTSecret string `yaml:"-"`
	FeedbackSecret string `yaml:"-"`

	CloudTasksQueue     string `yaml:"cloud_tasks_queue"` // projects/<p>/locations/<l>/queues/<q>
	WorkerURL           string `yaml:"worker_url"`        // Full URL of POST /worker/publish
	TasksServiceAccount string `yaml:"tasks_service_account"`

	RedisAddr              string        `yaml:"redis_addr"`
	RedisPassword          string        `yaml:"-"`
	QueueStream            string        `yaml:"queue_stream"`
	RedisDB                int           `yaml:"redis_db"`
	QueueMaxReceives       int           `yaml:"queue_max_receives"`
	QueueBatchSize         int           `yaml:"queue_batch_size"`
	QueueDedupWindow       time.Duration `yaml:"queue_dedup_window"`
	QueueVisibilityTimeout time.Duration `yaml:"queue_visibility_timeout"`

	Concurrency    int           `yaml:"concurrency"`
	RateLimit      int           `yaml:"rate_limit"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
	ResolveWait    time.Duration `yaml:"resolve_wait"`

	AllowList []string `yaml:"allow_list"`
}

// Load reads CONFIG_FILE (if set), applies environment overrides and validates.
func Load() (*Config, error) {
	c := &Config{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.BaseURL, "BASE_URL")
	setString(&c.SiteURL, "SITE_URL")
	setString(&c.SiteName, "SITE_NAME")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.StorageBucket, "STORAGE_BUCKET")
	setString(&c.LocalStorage, "LOCAL_STORAGE")
	setString(&c.EmailProvider, "EMAIL_PROVIDER")
	setString(&c.GoogleCredentialsJSON, "GOOGLE_CREDENTIALS_JSON")
	setString(&c.BrevoAPIKey, "BREVO_API_KEY")
	setString(&c.FromAddress, "FROM_ADDRESS")
	setString(&c.FromName, "FROM_NAME")
	setString(&c.SubscriberSalt, "SUBSCRIBER_SALT")
	setString(&c.WorkerSecret, "WORKER_SECRET")
	setString(&c.AdminJWTSecret, "ADMIN_JWT_SECRET")
	setString(&c.FeedbackSecret, "FEEDBACK_SECRET")
	setString(&c.CloudTasksQueue, "CLOUD_TASKS_QUEUE")
	setString(&c.WorkerURL, "WORKER_URL")
	setString(&c.TasksServiceAccount, "TASKS_SERVICE_ACCOUNT")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setString(&c.QueueStream, "QUEUE_STREAM")

	if v := os.Getenv("ALLOW_LIST"); v != "" {
		c.AllowList = nil
		for a := range strings.SplitSeq(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				c.AllowList = append(c.AllowList, a)
			}
		}
	}

	var errs *multierror.Error
	ints := map[string]*int{
		"REDIS_DB":           &c.RedisDB,
		"QUEUE_MAX_RECEIVES": &c.QueueMaxReceives,
		"QUEUE_BATCH_SIZE":   &c.QueueBatchSize,
		"CONCURRENCY":        &c.Concurrency,
		"RATE_LIMIT":         &c.RateLimit,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = n
		}
	}
	durations := map[string]*time.Duration{
		"QUEUE_DEDUP_WINDOW":       &c.QueueDedupWindow,
		"QUEUE_VISIBILITY_TIMEOUT": &c.QueueVisibilityTimeout,
		"SEND_TIMEOUT":             &c.SendTimeout,
		"ENQUEUE_TIMEOUT":          &c.EnqueueTimeout,
		"RESOLVE_WAIT":             &c.ResolveWait,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = d
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", blog.ErrConfiguration, err)
	}
	return nil
}

// LocalMode reports whether content and subscribers live on the local filesystem.
func (c *Config) LocalMode() bool {
	return c.StorageBucket == ""
}

// QueueEnabled reports whether fan-outs go through the Redis dispatch queue.
func (c *Config) QueueEnabled() bool {
	return c.RedisAddr != ""
}

// SchedulerEnabled reports whether Cloud Tasks triggers are configured.
func (c *Config) SchedulerEnabled() bool {
	return c.CloudTasksQueue != ""
}

// Level returns the configured slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Validate fills defaults and reports every problem at once.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.Port == "" {
		c.Port = "8080"
	}
	if c.LocalMode() {
		if c.LocalStorage == "" {
			c.LocalStorage = "./data"
		}
		if c.BaseURL == "" {
			c.BaseURL = "http://localhost:" + c.Port
		}
		if c.EmailProvider == "" {
			c.EmailProvider = ProviderMock
		}
		if c.SubscriberSalt == "" {
			c.SubscriberSalt = "local-development-salt"
		}
	} else {
		if c.BaseURL == "" {
			errs = multierror.Append(errs, errors.New("BASE_URL is required with STORAGE_BUCKET"))
		}
		if c.SubscriberSalt == "" {
			errs = multierror.Append(errs, errors.New("SUBSCRIBER_SALT is required with STORAGE_BUCKET"))
		}
		if c.EmailProvider == "" {
			c.EmailProvider = ProviderGmail
		}
	}
	if c.SiteURL == "" {
		c.SiteURL = c.BaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.SiteURL = strings.TrimRight(c.SiteURL, "/")

	switch c.EmailProvider {
	case ProviderMock, ProviderGmail:
	case ProviderBrevo:
		if c.BrevoAPIKey == "" {
			errs = multierror.Append(errs, errors.New("BREVO_API_KEY is required for the brevo provider"))
		}
		if c.FromAddress == "" {
			errs = multierror.Append(errs, errors.New("FROM_ADDRESS is required for the brevo provider"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown EMAIL_PROVIDER %q", c.EmailProvider))
	}

	if c.SchedulerEnabled() {
		if c.WorkerURL == "" {
			errs = multierror.Append(errs, errors.New("WORKER_URL is required with CLOUD_TASKS_QUEUE"))
		}
		if c.WorkerSecret == "" {
			errs = multierror.Append(errs, errors.New("WORKER_SECRET is required with CLOUD_TASKS_QUEUE"))
		}
	}

	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 20
	}
	if c.QueueMaxReceives < 0 {
		errs = multierror.Append(errs, errors.New("queue max receives must be >= 0"))
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 10 * time.Second
	}
	if c.ResolveWait <= 0 {
		c.ResolveWait = 3 * time.Second
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", blog.ErrConfiguration, err)
	}
	return nil
}
