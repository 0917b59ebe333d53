// Package archive stores exported JSON blobs (purged trash, dead WAL
// entries) outside the live database, behind a small S3-like interface with
// filesystem, in-memory, and S3 backends.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Driver identifies a concrete archive backend.
type Driver string

const (
	// DriverFilesystem is the local filesystem backend (default, dev).
	DriverFilesystem Driver = "fs"
	// DriverS3 is an S3 / MinIO compatible backend.
	DriverS3 Driver = "s3"
	// DriverMemory is the in-memory backend used in tests.
	DriverMemory Driver = "memory"
)

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is the archive backend contract. Put is create-only: writing an
// existing key fails rather than silently overwriting an export.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// ErrUnsupported is returned when an optional capability is not available.
var ErrUnsupported = errors.New("archive: unsupported operation")

// Config selects and parameterizes an archive backend.
type Config struct {
	Driver Driver
	// Root is the directory root for the fs driver.
	Root string
	// S3 holds the s3 driver parameters.
	S3 S3Config
}

// Open constructs the configured archive backend. An empty driver defaults
// to the filesystem.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(cfg.Root)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown archive driver %q", driver)
	}
}

// Environment variables:
//
//	CARECORE_ARCHIVE_DRIVER: fs|s3|memory (default fs)
//	CARECORE_ARCHIVE_FS_ROOT: directory root when driver=fs (default ./archive)
//	(S3 specific variables documented in s3.go)

// OpenFromEnv constructs an archive backend from process environment.
func OpenFromEnv(ctx context.Context) (Store, error) {
	cfg := Config{
		Driver: Driver(os.Getenv("CARECORE_ARCHIVE_DRIVER")),
		Root:   os.Getenv("CARECORE_ARCHIVE_FS_ROOT"),
	}
	if cfg.Driver == DriverS3 {
		s3cfg, err := s3ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		cfg.S3 = s3cfg
	}
	return Open(ctx, cfg)
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sanitizeKey rejects empty, absolute, and traversal-prone keys.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %q: contains '..'", key)
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid key %q: absolute path", key)
	}
	return key, nil
}
