package remote

import (
	"context"
	"fmt"

	"backrun/internal/config"
	"backrun/internal/core"
)

// NewUploaderFromConfig creates the upload adapter the config describes.
func NewUploaderFromConfig(ctx context.Context, cfg config.RemoteConfig, store core.CredentialStore, logger core.Logger) (core.Uploader, error) {
	switch cfg.Type {
	case "clouddrive":
		return NewCloudDriveUploader(cfg, store, logger), nil
	case "objectstore":
		return NewObjectStoreUploader(ctx, cfg, logger)
	case "filetransfer":
		return NewFileTransferUploader(cfg, logger)
	case "webdav":
		return NewWebDAVUploader(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported remote type: %s", cfg.Type)
	}
}
