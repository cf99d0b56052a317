package store

import (
	"context"
	"fmt"

	"pkgdb-go/internal/config"
)

// NewStoreFromConfig creates a Store implementation based on the store
// config type. Type "none" yields no store and no error.
func NewStoreFromConfig(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryStore(), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 store requires s3_bucket to be set")
		}
		return NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region)
	case "filesystem":
		if cfg.FSStoreRoot == "" {
			return nil, fmt.Errorf("filesystem store requires fs_store_root to be set")
		}
		return NewFileSystemStore(cfg.FSStoreRoot)
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
