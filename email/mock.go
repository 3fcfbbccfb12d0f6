package email

import (
	"context"
	"log/slog"
	"sync"
)

// Message is an email captured by MockProvider.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// MockProvider logs emails instead of sending them. It is used for local development
// and keeps every message so callers can inspect what would have been sent.
type MockProvider struct {
	logger *slog.Logger
	fail   func(to string) error
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// FailWith makes Send return the error produced by fn for a recipient; nil means success.
func (m *MockProvider) FailWith(fn func(to string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		if err := m.fail(to); err != nil {
			return err
		}
	}

	m.sent = append(m.sent, Message{To: to, Subject: subject, HTML: htmlBody})
	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	return nil
}

// Sent returns a copy of every message accepted so far.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}
