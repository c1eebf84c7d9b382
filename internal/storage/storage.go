package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/joehospital/apiserver/config"
)

// ObjectStorage defines the object operations shared by every backend.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Bucket() string
}

// Storage wraps an ObjectStorage backend and scopes keys under a prefix.
type Storage struct {
	backend ObjectStorage
	prefix  string
}

// NewStorage constructs a Storage wrapper for the provided backend.
func NewStorage(backend ObjectStorage, prefix string) *Storage {
	return &Storage{backend: backend, prefix: prefix}
}

// Open connects to the backend selected by cfg.Driver and makes sure the
// bucket exists.
func Open(ctx context.Context, cfg config.StorageConfig) (*Storage, error) {
	var (
		backend ObjectStorage
		err     error
	)
	switch cfg.Driver {
	case "", "minio":
		backend, err = NewMinioClient(cfg.Minio)
	case "gcs":
		backend, err = NewGCSClient(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Driver, err)
	}
	if err := backend.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", backend.Bucket(), err)
	}
	return NewStorage(backend, cfg.Prefix), nil
}

// PutBytes uploads data under the configured prefix and returns the full
// object key.
func (s *Storage) PutBytes(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	full := path.Join(s.prefix, key)
	if err := s.backend.Put(ctx, full, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", err
	}
	return full, nil
}

// Bucket returns the configured bucket name.
func (s *Storage) Bucket() string {
	return s.backend.Bucket()
}
