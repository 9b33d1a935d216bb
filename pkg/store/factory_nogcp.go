//go:build !gcp

package store

import (
	"context"
	"errors"
)

func openGCS(context.Context, Config, *closerList) (Recorder, error) {
	return nil, errors.New("GCS storage is not enabled in this build (use -tags gcp)")
}
