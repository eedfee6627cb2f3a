package archive

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names the storage backend.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// GCSConfig holds configuration for the GCS backend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// Config selects and configures a backend.
type Config struct {
	Backend Backend
	Dir     string // fs: base directory, default "data"
	S3      S3Config
	GCS     GCSConfig
}

// NewStore builds the configured store. The zero Config is a filesystem
// store under data/archive.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "archive"))
	case BackendS3:
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3Store(ctx, cfg.S3)
	case BackendGCS:
		return newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
}
