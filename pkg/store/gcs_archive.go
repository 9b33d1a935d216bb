//go:build gcp

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSArchive is the Cloud Storage counterpart of S3Archive.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiveConfig holds configuration for GCSArchive.
type GCSArchiveConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchive creates a client using application default credentials.
func NewGCSArchive(ctx context.Context, cfg GCSArchiveConfig) (*GCSArchive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs archive: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSArchive) object(paymentIntentID string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + paymentIntentID + ".json")
}

// Record uploads with a does-not-exist precondition so a second write for
// the same intent fails server side.
func (s *GCSArchive) Record(ctx context.Context, rec TransactionRecord) (RecordID, error) {
	rec, err := prepare(rec)
	if err != nil {
		return "", err
	}
	body, err := CanonicalJSON(rec)
	if err != nil {
		return "", err
	}

	w := s.object(rec.PaymentIntentID).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return rec.RecordID, nil
}

func (s *GCSArchive) Get(ctx context.Context, paymentIntentID string) (TransactionRecord, error) {
	reader, err := s.object(paymentIntentID).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return TransactionRecord{}, ErrNotFound
		}
		return TransactionRecord{}, fmt.Errorf("gcs get failed for %s: %w", paymentIntentID, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return TransactionRecord{}, err
	}
	var rec TransactionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return TransactionRecord{}, fmt.Errorf("decode transaction: %w", err)
	}
	return rec, nil
}

func (s *GCSArchive) Close() error {
	return s.client.Close()
}
