// Package storage is an object-store abstraction with MinIO and Google Cloud
// Storage backends. It holds the user snapshots taken before bulk deletes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/usermgmt/apiserver/config"
)

// ErrObjectNotFound is returned by Get when the key holds no object.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
	Close() error
}

// Open connects the backend selected by cfg and makes sure its bucket exists.
// It returns nil, nil when no backend is configured.
func Open(ctx context.Context, cfg config.StorageConfig) (*Storage, error) {
	var backend ObjectStorage
	switch cfg.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.StorageMinio:
		client, err := NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, fmt.Errorf("connect minio: %w", err)
		}
		backend = client
	case config.StorageGCS:
		client, err := NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("connect gcs: %w", err)
		}
		backend = client
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	if err := backend.EnsureBucket(ctx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("ensure bucket %s: %w", backend.Bucket(), err)
	}
	return NewStorage(backend), nil
}

// Storage wraps an ObjectStorage backend with a stable API.
type Storage struct {
	backend ObjectStorage
}

// NewStorage constructs a Storage wrapper for the provided backend.
func NewStorage(backend ObjectStorage) *Storage {
	return &Storage{backend: backend}
}

// EnsureBucket ensures the configured bucket exists.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	return s.backend.EnsureBucket(ctx)
}

// Put uploads an object to the configured bucket.
func (s *Storage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return s.backend.Put(ctx, key, r, size, contentType)
}

// Get opens a reader for an object in the configured bucket.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.backend.Get(ctx, key)
}

// Delete removes an object from the configured bucket.
func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

// Bucket returns the configured bucket name.
func (s *Storage) Bucket() string {
	return s.backend.Bucket()
}

// Close releases the backend.
func (s *Storage) Close() error {
	return s.backend.Close()
}
