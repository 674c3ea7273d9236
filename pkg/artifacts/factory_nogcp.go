//go:build !gcp

package artifacts

import (
	"context"

	"github.com/settld-labs/settld/pkg/config"
	"github.com/settld-labs/settld/pkg/fault"
)

func newGCSFromConfig(context.Context, *config.Config, config.Getenv) (BlobStore, error) {
	return nil, fault.New(fault.CodeSchemaInvalid, "gcs support requires building with -tags gcp")
}
