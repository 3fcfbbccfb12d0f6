package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"slices"
	"strings"
	"time"

	"blog-notifier/email"
	"blog-notifier/pkg/blog"
	"blog-notifier/storage"
	"blog-notifier/token"
)

// ErrConfirmationNotSent means the subscriber was recorded but the confirmation email
// could not be delivered. It may also match email.ErrRecipientNotVerified.
var ErrConfirmationNotSent = errors.New("confirmation email could not be sent")

const maxTopics = 20

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	topicRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)
)

// Outcome describes what RequestSubscription did.
type Outcome string

const (
	OutcomePending           Outcome = "pending"            // Confirmation sent
	OutcomeAlreadySubscribed Outcome = "already_subscribed" // Nothing sent
	OutcomeAlreadyPending    Outcome = "already_pending"    // Nothing sent
	OutcomeSuppressed        Outcome = "suppressed"         // Bounced or complained; nothing sent
)

// Tokens is the token store as used by the subscription flows.
type Tokens interface {
	Issue(ctx context.Context, action blog.Action, subjectHash string, ttl time.Duration) (string, error)
	Resolve(ctx context.Context, raw string, allowed ...blog.Action) (*blog.Token, error)
	Consume(ctx context.Context, tok *blog.Token) error
}

// Mailer sends the subscription lifecycle emails.
type Mailer interface {
	SendConfirmation(ctx context.Context, to, confirmToken string) error
	SendWelcome(ctx context.Context, to, unsubscribeToken string) error
	SendUnsubscribed(ctx context.Context, to string) error
	SendManageLink(ctx context.Context, to, manageToken string) error
}

// Service implements the double opt-in subscription flows.
type Service struct {
	dir         *Directory
	tokens      Tokens
	mailer      Mailer
	logger      *slog.Logger
	sendTimeout time.Duration
}

// NewService creates a subscription service. sendTimeout bounds every email send.
func NewService(dir *Directory, tokens Tokens, mailer Mailer, sendTimeout time.Duration, logger *slog.Logger) *Service {
	if sendTimeout <= 0 {
		sendTimeout = 15 * time.Second
	}
	return &Service{
		dir:         dir,
		tokens:      tokens,
		mailer:      mailer,
		logger:      logger,
		sendTimeout: sendTimeout,
	}
}

// Directory returns the underlying subscriber directory.
func (s *Service) Directory() *Directory {
	return s.dir
}

// isValidEmail validates email format.
func isValidEmail(addr string) bool {
	if len(addr) > 254 || !emailRegex.MatchString(addr) {
		return false
	}
	_, err := mail.ParseAddress(addr)
	return err == nil
}

// NormalizeTopics trims, lowercases and deduplicates topics. An empty list selects the
// default topic.
func NormalizeTopics(topics []string) ([]string, error) {
	var out []string
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if !topicRegex.MatchString(t) {
			return nil, fmt.Errorf("%w: invalid topic %q", blog.ErrValidation, t)
		}
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	if len(out) > maxTopics {
		return nil, fmt.Errorf("%w: too many topics", blog.ErrValidation)
	}
	if len(out) == 0 {
		out = []string{blog.DefaultTopic}
	}
	return out, nil
}

// RequestSubscription records a PENDING subscriber and sends a confirmation link.
// Repeat requests for PENDING or SUBSCRIBED addresses send nothing.
func (s *Service) RequestSubscription(ctx context.Context, addr string, topics []string, source string) (Outcome, error) {
	addr = NormalizeEmail(addr)
	if !isValidEmail(addr) {
		return "", fmt.Errorf("%w: invalid email address", blog.ErrValidation)
	}
	topics, err := NormalizeTopics(topics)
	if err != nil {
		return "", err
	}

	hash := s.dir.HashEmail(addr)
	existing, err := s.dir.Get(ctx, hash)
	switch {
	case err == nil:
		switch {
		case existing.Status == blog.SubscriberSubscribed:
			return OutcomeAlreadySubscribed, nil
		case existing.Status == blog.SubscriberPending:
			return OutcomeAlreadyPending, nil
		case existing.Status.Suppressed():
			s.logger.Info("Subscription request for suppressed address", "status", existing.Status)
			return OutcomeSuppressed, nil
		}
	case !storage.IsNotExist(err):
		return "", fmt.Errorf("load subscriber: %w", err)
	}

	if err := s.upsertPending(ctx, hash, addr, topics, source, existing == nil); err != nil {
		return "", err
	}

	raw, err := s.tokens.Issue(ctx, blog.ActionConfirm, hash, token.ConfirmTTL)
	if err != nil {
		return "", fmt.Errorf("issue confirm token: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if err := s.mailer.SendConfirmation(sendCtx, addr, raw); err != nil {
		s.logger.Error("Failed to send confirmation email", "email_hash", hash, "error", err)
		return "", fmt.Errorf("%w: %w", ErrConfirmationNotSent, err)
	}

	s.logger.Info("Subscription requested", "email_hash", hash, "topics", topics, "source", source)
	return OutcomePending, nil
}

func (s *Service) upsertPending(ctx context.Context, hash, addr string, topics []string, source string, isNew bool) error {
	now := time.Now().UTC()
	if isNew {
		err := s.dir.create(ctx, &blog.Subscriber{
			EmailHash: hash,
			Email:     addr,
			Status:    blog.SubscriberPending,
			Topics:    topics,
			Source:    source,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err == nil {
			return nil
		}
		if !storage.IsPrecondition(err) {
			return fmt.Errorf("create subscriber: %w", err)
		}
		// A concurrent request created it first; fall through to update.
	}

	_, err := s.dir.update(ctx, hash, func(sub *blog.Subscriber) error {
		if sub.Status.Suppressed() || sub.Status == blog.SubscriberSubscribed {
			return nil
		}
		sub.Status = blog.SubscriberPending
		sub.Topics = topics
		if sub.Email == "" {
			sub.Email = addr
		}
		if sub.Source == "" {
			sub.Source = source
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update subscriber: %w", err)
	}
	return nil
}

// ConfirmSubscription activates the subscriber behind a confirm token. Suppressed
// subscribers keep their status.
func (s *Service) ConfirmSubscription(ctx context.Context, raw string) (*blog.Subscriber, error) {
	tok, err := s.tokens.Resolve(ctx, raw, blog.ActionConfirm)
	if err != nil {
		return nil, err
	}

	sub, err := s.dir.update(ctx, tok.SubjectHash, func(sub *blog.Subscriber) error {
		if sub.Status.Suppressed() {
			return nil
		}
		sub.Status = blog.SubscriberSubscribed
		if sub.ConfirmedAt == nil {
			now := time.Now().UTC()
			sub.ConfirmedAt = &now
		}
		return nil
	})
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, blog.ErrInvalidToken
		}
		return nil, fmt.Errorf("confirm subscriber: %w", err)
	}

	s.consume(ctx, tok)

	if sub.Status != blog.SubscriberSubscribed {
		s.logger.Warn("Confirm token used for suppressed subscriber", "email_hash", sub.EmailHash, "status", sub.Status)
		return sub, nil
	}

	s.logger.Info("Subscription confirmed", "email_hash", sub.EmailHash)
	s.sendWelcome(ctx, sub)
	return sub, nil
}

// Unsubscribe deactivates the subscriber behind an unsubscribe or manage token.
func (s *Service) Unsubscribe(ctx context.Context, raw string) (*blog.Subscriber, error) {
	tok, err := s.tokens.Resolve(ctx, raw, blog.ActionUnsubscribe, blog.ActionManage)
	if err != nil {
		return nil, err
	}

	wasActive := false
	sub, err := s.dir.update(ctx, tok.SubjectHash, func(sub *blog.Subscriber) error {
		if sub.Status.Suppressed() {
			return nil
		}
		wasActive = sub.Status != blog.SubscriberUnsubscribed
		sub.Status = blog.SubscriberUnsubscribed
		if wasActive {
			now := time.Now().UTC()
			sub.UnsubscribedAt = &now
		}
		return nil
	})
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, blog.ErrInvalidToken
		}
		return nil, fmt.Errorf("unsubscribe: %w", err)
	}

	s.consume(ctx, tok)
	s.logger.Info("Unsubscribed", "email_hash", sub.EmailHash, "via", tok.Action)

	if wasActive && sub.Email != "" {
		sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
		defer cancel()
		if err := s.mailer.SendUnsubscribed(sendCtx, sub.Email); err != nil {
			s.logger.Warn("Failed to send unsubscribe confirmation", "email_hash", sub.EmailHash, "error", err)
		}
	}
	return sub, nil
}

// UpdatePreferences replaces the topic set of the subscriber behind a manage token.
// The token stays valid until it expires so preferences can be changed again.
func (s *Service) UpdatePreferences(ctx context.Context, raw string, topics []string) (*blog.Subscriber, error) {
	tok, err := s.tokens.Resolve(ctx, raw, blog.ActionManage)
	if err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: at least one topic is required", blog.ErrValidation)
	}
	topics, err = NormalizeTopics(topics)
	if err != nil {
		return nil, err
	}

	sub, err := s.dir.update(ctx, tok.SubjectHash, func(sub *blog.Subscriber) error {
		sub.Topics = topics
		return nil
	})
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, blog.ErrInvalidToken
		}
		return nil, fmt.Errorf("update preferences: %w", err)
	}

	s.logger.Info("Preferences updated", "email_hash", sub.EmailHash, "topics", topics)
	return sub, nil
}

// RequestManageLink emails a preferences link to an active subscriber. Unknown or
// inactive addresses are ignored without error so the endpoint does not reveal who is
// subscribed.
func (s *Service) RequestManageLink(ctx context.Context, addr string) error {
	addr = NormalizeEmail(addr)
	if !isValidEmail(addr) {
		return fmt.Errorf("%w: invalid email address", blog.ErrValidation)
	}

	hash := s.dir.HashEmail(addr)
	sub, err := s.dir.Get(ctx, hash)
	if err != nil {
		if storage.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load subscriber: %w", err)
	}
	if sub.Status != blog.SubscriberSubscribed {
		return nil
	}

	raw, err := s.tokens.Issue(ctx, blog.ActionManage, hash, token.ManageTTL)
	if err != nil {
		return fmt.Errorf("issue manage token: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if err := s.mailer.SendManageLink(sendCtx, sub.Email, raw); err != nil {
		s.logger.Warn("Failed to send manage link", "email_hash", hash, "error", err)
	}
	return nil
}

// consume deletes a single-use token. Losing the race to a concurrent use is fine since
// the state change already happened.
func (s *Service) consume(ctx context.Context, tok *blog.Token) {
	if err := s.tokens.Consume(ctx, tok); err != nil && !errors.Is(err, blog.ErrInvalidToken) {
		s.logger.Warn("Failed to consume token", "action", tok.Action, "error", err)
	}
}

func (s *Service) sendWelcome(ctx context.Context, sub *blog.Subscriber) {
	raw, err := s.tokens.Issue(ctx, blog.ActionUnsubscribe, sub.EmailHash, token.UnsubscribeTTL)
	if err != nil {
		s.logger.Warn("Failed to issue unsubscribe token for welcome email", "email_hash", sub.EmailHash, "error", err)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if err := s.mailer.SendWelcome(sendCtx, sub.Email, raw); err != nil {
		s.logger.Warn("Failed to send welcome email", "email_hash", sub.EmailHash, "error", err)
	}
}

var _ Mailer = (*email.Sender)(nil)
