// Package storage persists JSON documents in Cloud Storage or a local directory.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

var (
	// ErrNotExist is returned when an object is missing.
	ErrNotExist = errors.New("storage: object doesn't exist")
	// ErrPrecondition is returned when a conditional write loses against another writer
	// or the object it was conditioned on is gone.
	ErrPrecondition = errors.New("storage: precondition failed")
	// ErrInvalidKey is returned for keys that could escape the storage root.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Store reads and writes JSON documents.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	mu        sync.Mutex // Serializes conditional writes in local mode
}

// New creates a new storage handler. When localPath is set the bucket is ignored.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// IsNotExist checks if an error indicates a missing object.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsPrecondition checks if an error indicates a failed conditional write.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

func translate(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %w", ErrNotExist, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
		return fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	return err
}

// unrecoverable marks not-found and precondition failures so retry gives up immediately.
func unrecoverable(err error) error {
	err = translate(err)
	if IsNotExist(err) || IsPrecondition(err) {
		return retry.Unrecoverable(err)
	}
	return err
}

func (s *Store) localFile(key string) string {
	return filepath.Join(s.localPath, filepath.FromSlash(key))
}

// Get loads the document at key into v.
func (s *Store) Get(ctx context.Context, key string, v any) error {
	_, err := s.get(ctx, key, v)
	return err
}

func (s *Store) get(ctx context.Context, key string, v any) (int64, error) {
	if !validKey(key) {
		return 0, ErrInvalidKey
	}

	var data []byte
	var generation int64

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(s.localFile(key))
		if err != nil {
			if os.IsNotExist(err) {
				return 0, ErrNotExist
			}
			return 0, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					return unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				generation = r.Attrs.Generation
				return nil
			},
			retryOptions(ctx, s.logger, "get", key)...,
		)
		if err != nil {
			if IsNotExist(err) {
				return 0, ErrNotExist
			}
			return 0, fmt.Errorf("load after retries: %w", err)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return 0, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return generation, nil
}

// Put writes v to key unconditionally.
func (s *Store) Put(ctx context.Context, key string, v any) error {
	return s.write(ctx, key, v, storage.Conditions{}, false)
}

// Create writes v to key only if no object exists there yet. It returns ErrPrecondition
// when the object already exists.
func (s *Store) Create(ctx context.Context, key string, v any) error {
	return s.write(ctx, key, v, storage.Conditions{DoesNotExist: true}, true)
}

// Update loads key into v, calls mutate and writes v back only if the object was not
// changed in between. It returns ErrNotExist when there is nothing to update and
// ErrPrecondition when another writer won the race.
func (s *Store) Update(ctx context.Context, key string, v any, mutate func() error) error {
	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := s.get(ctx, key, v); err != nil {
			return err
		}
		if err := mutate(); err != nil {
			return err
		}
		return s.writeLocal(key, v, false)
	}

	generation, err := s.get(ctx, key, v)
	if err != nil {
		return err
	}
	if err := mutate(); err != nil {
		return err
	}
	return s.write(ctx, key, v, storage.Conditions{GenerationMatch: generation}, true)
}

func (s *Store) write(ctx context.Context, key string, v any, cond storage.Conditions, conditional bool) error {
	if !validKey(key) {
		return ErrInvalidKey
	}

	if s.localPath != "" {
		if conditional {
			s.mu.Lock()
			defer s.mu.Unlock()
		}
		return s.writeLocal(key, v, cond.DoesNotExist)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	err = retry.Do(
		func() error {
			obj := s.client.Bucket(s.bucket).Object(key)
			if conditional {
				obj = obj.If(cond)
			}
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := io.Copy(w, bytes.NewReader(data)); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return unrecoverable(fmt.Errorf("write to storage: %w", writeErr))
			}
			if closeErr := w.Close(); closeErr != nil {
				return unrecoverable(fmt.Errorf("close storage writer: %w", closeErr))
			}
			return nil
		},
		retryOptions(ctx, s.logger, "put", key)...,
	)
	if err != nil {
		if IsPrecondition(err) {
			return ErrPrecondition
		}
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Object saved", "key", key)
	return nil
}

func (s *Store) writeLocal(key string, v any, exclusive bool) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	filePath := s.localFile(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return fmt.Errorf("create local storage directory: %w", err)
	}

	if exclusive {
		f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if os.IsExist(err) {
				return ErrPrecondition
			}
			return fmt.Errorf("create in local storage: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("write to local storage: %w", err)
		}
		return f.Close()
	}

	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("rename in local storage: %w", err)
	}
	return nil
}

// Delete removes the object at key. It returns ErrNotExist if nothing was there.
func (s *Store) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	s.logger.Debug("Deleting object", "key", key)

	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := os.Remove(s.localFile(key)); err != nil {
			if os.IsNotExist(err) {
				return ErrNotExist
			}
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				return unrecoverable(fmt.Errorf("delete from storage: %w", deleteErr))
			}
			return nil
		},
		retryOptions(ctx, s.logger, "delete", key)...,
	)
	if err != nil {
		if IsNotExist(err) {
			return ErrNotExist
		}
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// List returns the keys of all JSON documents whose key starts with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	if s.localPath != "" {
		dir := s.localPath
		if i := strings.LastIndex(prefix, "/"); i > 0 {
			dir = s.localFile(prefix[:i])
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return fs.SkipAll
				}
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
				return nil
			}
			rel, err := filepath.Rel(s.localPath, path)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		return keys, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if strings.HasSuffix(attrs.Name, ".json") {
			keys = append(keys, attrs.Name)
		}
	}
	return keys, nil
}
