// Package email renders subscriber emails and sends them through pluggable providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"blog-notifier/pkg/blog"
)

// ErrRecipientNotVerified is returned by providers running in sandbox mode when the
// recipient address has not been verified with the provider.
var ErrRecipientNotVerified = errors.New("recipient address not verified")

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender renders and sends emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // Public base URL of this service, for token links
	siteName string
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL, siteName string) *Sender {
	if siteName == "" {
		siteName = "the blog"
	}
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  strings.TrimRight(baseURL, "/"),
		siteName: siteName,
	}
}

// Link builds an absolute link to path carrying a raw token.
func (s *Sender) Link(path, token string) string {
	return fmt.Sprintf("%s%s?token=%s", s.baseURL, path, url.QueryEscape(token))
}

// SendPostNotification sends one new-post email. unsubscribeToken is a fresh raw
// unsubscribe token minted for this recipient.
func (s *Sender) SendPostNotification(ctx context.Context, job *blog.Job, unsubscribeToken string) error {
	subject := job.Title
	if subject == "" {
		subject = "New post on " + s.siteName
	}

	body := s.formatPostNotification(job, s.Link("/unsubscribe", unsubscribeToken))

	s.logger.Info("Sending post notification",
		"group_id", job.GroupID,
		"topic", job.Topic,
		"email_hash", job.EmailHash)

	return s.provider.Send(ctx, job.RecipientEmail, subject, body)
}

// SendConfirmation sends the double opt-in email.
func (s *Sender) SendConfirmation(ctx context.Context, to, confirmToken string) error {
	body := s.formatConfirmation(s.Link("/confirm", confirmToken))
	s.logger.Info("Sending confirmation email")
	return s.provider.Send(ctx, to, "Confirm your subscription to "+s.siteName, body)
}

// SendWelcome sends the welcome email after a confirmed subscription.
func (s *Sender) SendWelcome(ctx context.Context, to, unsubscribeToken string) error {
	body := s.formatWelcome(s.Link("/unsubscribe", unsubscribeToken))
	s.logger.Info("Sending welcome email")
	return s.provider.Send(ctx, to, "You're subscribed to "+s.siteName, body)
}

// SendUnsubscribed confirms that the address will receive no further notifications.
func (s *Sender) SendUnsubscribed(ctx context.Context, to string) error {
	s.logger.Info("Sending unsubscribe confirmation")
	return s.provider.Send(ctx, to, "You've been unsubscribed from "+s.siteName, s.formatUnsubscribed())
}

// SendManageLink sends a link to the preferences page.
func (s *Sender) SendManageLink(ctx context.Context, to, manageToken string) error {
	body := s.formatManageLink(s.Link("/preferences", manageToken), s.Link("/unsubscribe", manageToken))
	s.logger.Info("Sending manage link")
	return s.provider.Send(ctx, to, "Manage your "+s.siteName+" subscription", body)
}
