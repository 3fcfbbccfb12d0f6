// Package content provides access to blog content records grouped by post.
package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"blog-notifier/pkg/blog"
	"blog-notifier/storage"
)

var groupIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,127}$`)

// ErrUnavailable marks a transient failure of the backing store.
var ErrUnavailable = errors.New("content store unavailable")

// Accessor is the read/write contract of the content store.
type Accessor interface {
	GetGroup(ctx context.Context, groupID string) ([]blog.Record, error)
	PutRecord(ctx context.Context, rec *blog.Record) error
	// UpdateMetadata reads the group's metadata, applies update and writes it back.
	// Writes are last-write-wins.
	UpdateMetadata(ctx context.Context, groupID string, update func(*blog.Metadata)) error
}

// ValidGroupID reports whether id is usable as a group identifier.
func ValidGroupID(id string) bool {
	return groupIDRegex.MatchString(id)
}

// Objects is the subset of the object store used for content.
type Objects interface {
	Get(ctx context.Context, key string, v any) error
	Put(ctx context.Context, key string, v any) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Store keeps content records as JSON objects under content/<groupId>/.
type Store struct {
	objects Objects
	logger  *slog.Logger
}

// NewStore creates a content store on top of an object store.
func NewStore(objects Objects, logger *slog.Logger) *Store {
	return &Store{objects: objects, logger: logger}
}

func groupPrefix(groupID string) string {
	return "content/" + groupID + "/"
}

func recordKey(groupID, recordID string) string {
	return groupPrefix(groupID) + recordID + ".json"
}

// GetGroup returns every record of a group. An unknown group yields no records.
func (s *Store) GetGroup(ctx context.Context, groupID string) ([]blog.Record, error) {
	if !ValidGroupID(groupID) {
		return nil, fmt.Errorf("group id %q: %w", groupID, blog.ErrValidation)
	}

	keys, err := s.objects.List(ctx, groupPrefix(groupID))
	if err != nil {
		return nil, fmt.Errorf("%w: list group: %w", ErrUnavailable, err)
	}

	records := make([]blog.Record, 0, len(keys))
	for _, key := range keys {
		var rec blog.Record
		if err := s.objects.Get(ctx, key, &rec); err != nil {
			if storage.IsNotExist(err) {
				// Deleted between list and read
				continue
			}
			return nil, fmt.Errorf("%w: read %s: %w", ErrUnavailable, key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// PutRecord writes a record, replacing any record with the same id.
func (s *Store) PutRecord(ctx context.Context, rec *blog.Record) error {
	if !ValidGroupID(rec.GroupID) || rec.ID == "" {
		return fmt.Errorf("record %q in group %q: %w", rec.ID, rec.GroupID, blog.ErrValidation)
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := s.objects.Put(ctx, recordKey(rec.GroupID, rec.ID), rec); err != nil {
		return fmt.Errorf("%w: put record: %w", ErrUnavailable, err)
	}
	return nil
}

// UpdateMetadata merges update into the group's metadata record.
func (s *Store) UpdateMetadata(ctx context.Context, groupID string, update func(*blog.Metadata)) error {
	if !ValidGroupID(groupID) {
		return fmt.Errorf("group id %q: %w", groupID, blog.ErrValidation)
	}

	id := blog.MetaRecordID(groupID)
	rec := blog.Record{ID: id, GroupID: groupID, Kind: blog.KindMeta}
	if err := s.objects.Get(ctx, recordKey(groupID, id), &rec); err != nil && !storage.IsNotExist(err) {
		return fmt.Errorf("%w: read metadata: %w", ErrUnavailable, err)
	}
	if rec.Metadata == nil {
		rec.Metadata = &blog.Metadata{Status: blog.StatusDraft}
	}
	update(rec.Metadata)
	rec.Metadata.UpdatedAt = time.Now().UTC()

	s.logger.Debug("Writing post metadata", "group_id", groupID, "status", rec.Metadata.Status)
	return s.PutRecord(ctx, &rec)
}

// Fallback reads from a primary accessor and falls back to a secondary one when the
// primary fails. Writes go to the primary only.
type Fallback struct {
	primary   Accessor
	secondary Accessor
	logger    *slog.Logger
}

// NewFallback creates an accessor pair.
func NewFallback(primary, secondary Accessor, logger *slog.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

// GetGroup reads from the primary, then the secondary on error.
func (f *Fallback) GetGroup(ctx context.Context, groupID string) ([]blog.Record, error) {
	records, err := f.primary.GetGroup(ctx, groupID)
	if err == nil || errors.Is(err, blog.ErrValidation) {
		return records, err
	}
	f.logger.Warn("Primary content store failed, reading fallback", "group_id", groupID, "error", err)
	return f.secondary.GetGroup(ctx, groupID)
}

// PutRecord writes to the primary store.
func (f *Fallback) PutRecord(ctx context.Context, rec *blog.Record) error {
	return f.primary.PutRecord(ctx, rec)
}

// UpdateMetadata writes to the primary store.
func (f *Fallback) UpdateMetadata(ctx context.Context, groupID string, update func(*blog.Metadata)) error {
	return f.primary.UpdateMetadata(ctx, groupID, update)
}
