// Package token issues, validates and consumes hashed action tokens.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"blog-notifier/pkg/blog"
	"blog-notifier/storage"
)

// Lifetimes of single-use tokens.
const (
	ConfirmTTL     = 24 * time.Hour
	UnsubscribeTTL = 30 * 24 * time.Hour
	ManageTTL      = 30 * 24 * time.Hour
)

// Objects is the subset of the object store used for tokens.
type Objects interface {
	Get(ctx context.Context, key string, v any) error
	Put(ctx context.Context, key string, v any) error
	Create(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

// Store persists tokens under the hash of the raw token.
type Store struct {
	objects Objects
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a token store.
func New(objects Objects, logger *slog.Logger) *Store {
	return &Store{
		objects: objects,
		logger:  logger,
		now:     time.Now,
	}
}

// Hash returns the storage identity of a raw token.
func Hash(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

func key(tokenHash string) string {
	return "tokens/" + tokenHash + ".json"
}

// generate creates a secure random token for links.
func generate() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// validRaw checks that a raw token is exactly 64 lowercase hex characters.
// All characters are checked so the time taken does not depend on where a mismatch is.
func validRaw(raw string) bool {
	if len(raw) != 64 {
		return false
	}
	valid := 1
	for _, c := range raw {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			valid = 0
		}
	}
	return valid == 1
}

// Issue creates a token for action on subjectHash and returns the raw token. The raw
// token is not stored and must be delivered to the user now.
func (s *Store) Issue(ctx context.Context, action blog.Action, subjectHash string, ttl time.Duration) (string, error) {
	raw, err := generate()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	now := s.now().UTC()
	tok := blog.Token{
		TokenHash:      Hash(raw),
		Action:         action,
		SubjectHash:    subjectHash,
		ExpiresAtEpoch: now.Add(ttl).Unix(),
		CreatedAt:      now,
	}
	if err := s.objects.Create(ctx, key(tok.TokenHash), &tok); err != nil {
		return "", fmt.Errorf("save token: %w", err)
	}

	s.logger.Debug("Token issued", "action", action, "expires_at", time.Unix(tok.ExpiresAtEpoch, 0).UTC())
	return raw, nil
}

// Resolve looks up a raw token and checks that it is unexpired and one of the allowed
// actions. Every failure is reported as blog.ErrInvalidToken except storage errors.
func (s *Store) Resolve(ctx context.Context, raw string, allowed ...blog.Action) (*blog.Token, error) {
	if !validRaw(raw) {
		return nil, blog.ErrInvalidToken
	}

	var tok blog.Token
	if err := s.objects.Get(ctx, key(Hash(raw)), &tok); err != nil {
		if storage.IsNotExist(err) {
			return nil, blog.ErrInvalidToken
		}
		return nil, fmt.Errorf("load token: %w", err)
	}

	if !slices.Contains(allowed, tok.Action) {
		return nil, blog.ErrInvalidToken
	}
	if tok.Expired(s.now()) {
		if err := s.objects.Delete(ctx, key(tok.TokenHash)); err != nil && !storage.IsNotExist(err) {
			s.logger.Warn("Failed to delete expired token", "action", tok.Action, "error", err)
		}
		return nil, blog.ErrInvalidToken
	}
	return &tok, nil
}

// Consume deletes a single-use token. A token that is already gone is reported as
// blog.ErrInvalidToken.
func (s *Store) Consume(ctx context.Context, tok *blog.Token) error {
	if err := s.objects.Delete(ctx, key(tok.TokenHash)); err != nil {
		if storage.IsNotExist(err) {
			return blog.ErrInvalidToken
		}
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// MarkerSubject is the subject hash of the sent marker for a (topic, post) pair.
func MarkerSubject(topic, groupID string) string {
	h := sha256.Sum256([]byte(topic + "\x00" + groupID))
	return hex.EncodeToString(h[:])
}

func markerHash(topic, groupID string) string {
	return Hash(string(blog.ActionBlogNotifySent) + ":" + MarkerSubject(topic, groupID))
}

// Marker returns the sent marker for a post and topic, or nil if none exists.
func (s *Store) Marker(ctx context.Context, topic, groupID string) (*blog.Token, error) {
	var tok blog.Token
	if err := s.objects.Get(ctx, key(markerHash(topic, groupID)), &tok); err != nil {
		if storage.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load sent marker: %w", err)
	}
	return &tok, nil
}

// PutMarker records that the fan-out for a post and topic completed. It is never
// deleted by normal flow; ExpiresAtEpoch holds the time of the last known send.
func (s *Store) PutMarker(ctx context.Context, topic, groupID string, delivery blog.Delivery, recipients int) error {
	now := s.now().UTC()
	tok := blog.Token{
		TokenHash:      markerHash(topic, groupID),
		Action:         blog.ActionBlogNotifySent,
		SubjectHash:    MarkerSubject(topic, groupID),
		ExpiresAtEpoch: now.Unix(),
		CreatedAt:      now,
		Delivery:       delivery,
		RecipientCount: recipients,
	}
	if err := s.objects.Put(ctx, key(tok.TokenHash), &tok); err != nil {
		return fmt.Errorf("save sent marker: %w", err)
	}
	return nil
}
