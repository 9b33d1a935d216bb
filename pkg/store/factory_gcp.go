//go:build gcp

package store

import (
	"context"
	"errors"
)

func openGCS(ctx context.Context, cfg Config, closers *closerList) (Recorder, error) {
	if cfg.GCSBucket == "" {
		return nil, errors.New("CHECKOUT_STORE_GCS_BUCKET is required for gcs storage")
	}
	s, err := NewGCSArchive(ctx, GCSArchiveConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
	if err != nil {
		return nil, err
	}
	closers.add(s)
	return s, nil
}
