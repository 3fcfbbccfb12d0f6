package email

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"mime"
	"strings"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider delivers through the Gmail API as the authenticated account ("me").
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider wraps an authorized Gmail service.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{service: service, logger: logger}
}

// sanitizeEmailHeader drops CR, LF and other control characters so a value cannot
// start a new header.
func sanitizeEmailHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// buildMIME assembles a single-part HTML message with an RFC 2047 encoded subject.
func buildMIME(to, subject, htmlBody string) string {
	headers := []string{
		"MIME-Version: 1.0",
		"To: " + sanitizeEmailHeader(to),
		"Subject: " + mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(subject)),
		"Content-Type: text/html; charset=utf-8",
	}
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + htmlBody
}

// Send implements Provider.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(buildMIME(to, subject, htmlBody))),
	}
	return withRetry(ctx, g.logger, "gmail", func() error {
		_, err := g.service.Users.Messages.Send("me", msg).Context(ctx).Do()
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return permanentFor4xx(gerr.Code, err)
		}
		return err
	})
}
