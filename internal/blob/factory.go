package blob

import (
	"context"
	"fmt"

	"docmigrate/internal/config"
	"docmigrate/internal/migrate"
)

// NewStoreFromConfig creates a BlobStore implementation based on the
// destination config.
func NewStoreFromConfig(ctx context.Context, cfg config.S3Config) (migrate.BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	return NewS3Store(ctx, cfg)
}
