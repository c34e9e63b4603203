package storage

import (
	"context"
	"fmt"

	"github.com/Imrankhan9559/morganxmystic/internal/config"
	"github.com/Imrankhan9559/morganxmystic/internal/storage/local"
	s3backend "github.com/Imrankhan9559/morganxmystic/internal/storage/s3"
)

// NewBackendFromConfig creates the Backend selected by cfg.Backend.
func NewBackendFromConfig(ctx context.Context, cfg config.RemoteConfig) (Backend, error) {
	switch cfg.Backend {
	case "s3":
		return s3backend.NewBackend(ctx, s3backend.BackendConfig{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
		})
	case "local":
		return local.New(local.Config{RootPath: cfg.Local.RootPath, CreateDirs: true})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend)
	}
}
