//go:build gcp

package artifacts

import (
	"context"

	"github.com/settld-labs/settld/pkg/config"
)

func newGCSFromConfig(ctx context.Context, cfg *config.Config, get config.Getenv) (BlobStore, error) {
	return NewGCSStore(ctx, GCSConfig{
		Bucket: cfg.GCSBucket,
		Prefix: config.Resolve(get, "GCS_PREFIX"),
	})
}
