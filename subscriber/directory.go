// Package subscriber manages newsletter subscribers: the directory of recipients, the
// double opt-in flows and delivery-feedback suppression.
package subscriber

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"blog-notifier/pkg/blog"
	"blog-notifier/storage"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"
)

const (
	keyPrefix   = "subscribers/"
	loadWorkers = 16
)

// Objects is the subset of the object store used for subscribers.
type Objects interface {
	Get(ctx context.Context, key string, v any) error
	Create(ctx context.Context, key string, v any) error
	Update(ctx context.Context, key string, v any, mutate func() error) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Directory stores subscribers keyed by the HMAC of their normalized email.
type Directory struct {
	objects Objects
	logger  *slog.Logger
	now     func() time.Time
	salt    []byte
}

// NewDirectory creates a subscriber directory.
func NewDirectory(objects Objects, salt []byte, logger *slog.Logger) *Directory {
	return &Directory{
		objects: objects,
		logger:  logger,
		salt:    salt,
		now:     time.Now,
	}
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashEmail derives the subscriber identity from an email address.
// Uses HMAC-SHA256 with a secret salt so identities cannot be guessed without it.
func (d *Directory) HashEmail(email string) string {
	h := hmac.New(sha256.New, d.salt)
	h.Write([]byte(NormalizeEmail(email)))
	return hex.EncodeToString(h.Sum(nil))
}

func key(emailHash string) string {
	return keyPrefix + emailHash + ".json"
}

// Get loads a subscriber. It returns storage.ErrNotExist if there is none.
func (d *Directory) Get(ctx context.Context, emailHash string) (*blog.Subscriber, error) {
	var sub blog.Subscriber
	if err := d.objects.Get(ctx, key(emailHash), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// create stores a new subscriber; it fails with storage.ErrPrecondition if one exists.
func (d *Directory) create(ctx context.Context, sub *blog.Subscriber) error {
	return d.objects.Create(ctx, key(sub.EmailHash), sub)
}

// update applies mutate to an existing subscriber, retrying when a concurrent writer
// wins the conditional write. It returns storage.ErrNotExist for unknown subscribers.
func (d *Directory) update(ctx context.Context, emailHash string, mutate func(*blog.Subscriber) error) (*blog.Subscriber, error) {
	var sub blog.Subscriber
	err := retry.Do(
		func() error {
			sub = blog.Subscriber{}
			return d.objects.Update(ctx, key(emailHash), &sub, func() error {
				if err := mutate(&sub); err != nil {
					return retry.Unrecoverable(err)
				}
				sub.UpdatedAt = d.now().UTC()
				return nil
			})
		},
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(storage.IsPrecondition),
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListRecipients returns every SUBSCRIBED subscriber that accepts topic.
func (d *Directory) ListRecipients(ctx context.Context, topic string) ([]*blog.Subscriber, error) {
	keys, err := d.objects.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}

	var (
		mu         sync.Mutex
		recipients []*blog.Subscriber
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadWorkers)
	for _, k := range keys {
		g.Go(func() error {
			var sub blog.Subscriber
			if err := d.objects.Get(gctx, k, &sub); err != nil {
				if storage.IsNotExist(err) {
					return nil
				}
				return fmt.Errorf("load subscriber: %w", err)
			}
			if sub.Status != blog.SubscriberSubscribed || !sub.HasTopic(topic) {
				return nil
			}
			mu.Lock()
			recipients = append(recipients, &sub)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d.logger.Debug("Recipients computed", "topic", topic, "scanned", len(keys), "recipients", len(recipients))
	return recipients, nil
}

// TouchLastNotified records a delivery on an existing subscriber. A subscriber that no
// longer exists is not an error.
func (d *Directory) TouchLastNotified(ctx context.Context, emailHash string, at time.Time) error {
	_, err := d.update(ctx, emailHash, func(sub *blog.Subscriber) error {
		t := at.UTC()
		sub.LastNotifiedAt = &t
		return nil
	})
	if err != nil && !storage.IsNotExist(err) {
		return fmt.Errorf("touch last notified: %w", err)
	}
	return nil
}
