package artifacts

import (
	"context"
	"path/filepath"

	"github.com/settld-labs/settld/pkg/config"
	"github.com/settld-labs/settld/pkg/fault"
)

// Blob store driver names accepted in config.
const (
	DriverFile = "file"
	DriverS3   = "s3"
	DriverGCS  = "gcs"
)

// NewFromConfig picks the blob driver configured for bundle storage.
// The file driver roots under <dataDir>/cas; S3 and GCS read the bucket from
// config and credentials from the ambient environment.
func NewFromConfig(ctx context.Context, cfg *config.Config, get config.Getenv) (BlobStore, error) {
	switch cfg.BundleStore {
	case "", DriverFile:
		return NewFileStore(filepath.Join(cfg.DataDir, "cas"))
	case DriverS3:
		if cfg.S3Bucket == "" {
			return nil, fault.New(fault.CodeSchemaInvalid, "s3 bundle store requires a bucket")
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   config.Resolve(get, "AWS_REGION"),
			Endpoint: config.Resolve(get, "S3_ENDPOINT"),
			Prefix:   config.Resolve(get, "S3_PREFIX"),
		})
	case DriverGCS:
		if cfg.GCSBucket == "" {
			return nil, fault.New(fault.CodeSchemaInvalid, "gcs bundle store requires a bucket")
		}
		return newGCSFromConfig(ctx, cfg, get)
	default:
		return nil, fault.Newf(fault.CodeSchemaInvalid, "unknown bundle store driver %q", cfg.BundleStore)
	}
}
