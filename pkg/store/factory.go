package store

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Type selects the primary transaction store.
type Type string

const (
	TypeMemory    Type = "memory"
	TypeSQLite    Type = "sqlite"
	TypePostgres  Type = "postgres"
	TypeFirestore Type = "firestore"
	TypeS3        Type = "s3"
	TypeGCS       Type = "gcs"
)

// Config selects and configures the store. Archive optionally names an
// object store ("s3" or "gcs") that receives a copy of every record.
type Config struct {
	Type    Type   `env:"TYPE" envDefault:"memory"`
	Archive string `env:"ARCHIVE"`

	SQLitePath  string `env:"SQLITE_PATH" envDefault:"data/transactions.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	FirestoreProject    string `env:"FIRESTORE_PROJECT"`
	FirestoreCollection string `env:"FIRESTORE_COLLECTION" envDefault:"transactions"`

	S3Bucket   string `env:"S3_BUCKET"`
	S3Region   string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint string `env:"S3_ENDPOINT"`
	S3Prefix   string `env:"S3_PREFIX" envDefault:"transactions/"`

	GCSBucket string `env:"GCS_BUCKET"`
	GCSPrefix string `env:"GCS_PREFIX" envDefault:"transactions/"`
}

// Open builds the configured recorder. The returned closer releases every
// client Open created.
func Open(ctx context.Context, cfg Config) (Recorder, io.Closer, error) {
	var closers closerList

	primary, err := openBackend(ctx, cfg, cfg.Type, &closers)
	if err != nil {
		_ = closers.Close()
		return nil, nil, err
	}
	if cfg.Archive == "" || Type(cfg.Archive) == cfg.Type {
		return primary, &closers, nil
	}

	archive, err := openBackend(ctx, cfg, Type(cfg.Archive), &closers)
	if err != nil {
		_ = closers.Close()
		return nil, nil, fmt.Errorf("archive: %w", err)
	}
	return NewFanout(primary, archive), &closers, nil
}

func openBackend(ctx context.Context, cfg Config, t Type, closers *closerList) (Recorder, error) {
	switch t {
	case TypeMemory, "":
		return NewMemoryRecorder(), nil
	case TypeSQLite:
		s, err := OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		closers.add(s)
		return s, nil
	case TypePostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("CHECKOUT_STORE_POSTGRES_DSN is required for postgres storage")
		}
		s, err := OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		closers.add(s)
		return s, nil
	case TypeFirestore:
		if cfg.FirestoreProject == "" {
			return nil, errors.New("CHECKOUT_STORE_FIRESTORE_PROJECT is required for firestore storage")
		}
		s, err := OpenFirestore(ctx, cfg.FirestoreProject, cfg.FirestoreCollection)
		if err != nil {
			return nil, err
		}
		closers.add(s)
		return s, nil
	case TypeS3:
		if cfg.S3Bucket == "" {
			return nil, errors.New("CHECKOUT_STORE_S3_BUCKET is required for s3 storage")
		}
		return NewS3Archive(ctx, S3ArchiveConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case TypeGCS:
		return openGCS(ctx, cfg, closers)
	default:
		return nil, fmt.Errorf("unsupported transaction store type: %s", t)
	}
}

type closerList []io.Closer

func (c *closerList) add(cl io.Closer) { *c = append(*c, cl) }

func (c *closerList) Close() error {
	var errs []error
	for i := len(*c) - 1; i >= 0; i-- {
		if err := (*c)[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	*c = nil
	return errors.Join(errs...)
}
