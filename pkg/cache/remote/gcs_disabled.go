//go:build !gcp

package remote

import (
	"context"
	"fmt"
)

func newGCSStore(context.Context, Config) (Store, error) {
	return nil, fmt.Errorf("GCS remote cache is not enabled in this build (use -tags gcp)")
}
