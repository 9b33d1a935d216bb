package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresRecorder stores records in PostgreSQL. A unique constraint on
// payment_intent_id makes a repeated insert a no-op reported as ErrDuplicate.
type PostgresRecorder struct {
	db *sql.DB
}

func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

// OpenPostgres connects with a lib/pq DSN and creates the table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresRecorder, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresRecorder(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresRecorder) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			record_id TEXT PRIMARY KEY,
			payment_intent_id TEXT NOT NULL UNIQUE,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			shipping JSONB NOT NULL,
			payment_method_id TEXT NOT NULL DEFAULT '',
			card TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to migrate transactions: %w", err)
	}
	return nil
}

func (s *PostgresRecorder) Record(ctx context.Context, rec TransactionRecord) (RecordID, error) {
	rec, err := prepare(rec)
	if err != nil {
		return "", err
	}
	shippingJSON, err := json.Marshal(rec.ShippingInfo)
	if err != nil {
		return "", fmt.Errorf("marshal shipping: %w", err)
	}

	// RETURNING yields no row when the conflict clause fires.
	query := `
		INSERT INTO transactions (record_id, payment_intent_id, amount, currency, status, shipping, payment_method_id, card, source, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (payment_intent_id) DO NOTHING
		RETURNING record_id
	`
	var id string
	err = s.db.QueryRowContext(ctx, query,
		string(rec.RecordID), rec.PaymentIntentID, int64(rec.Amount), rec.Currency, string(rec.Status),
		shippingJSON, rec.PaymentMethodID, rec.Card, rec.Source, rec.Timestamp,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrDuplicate
	}
	if err != nil {
		return "", fmt.Errorf("failed to persist transaction: %w", err)
	}
	return RecordID(id), nil
}

func (s *PostgresRecorder) Get(ctx context.Context, paymentIntentID string) (TransactionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM transactions WHERE payment_intent_id = $1", paymentIntentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TransactionRecord{}, ErrNotFound
	}
	if err != nil {
		return TransactionRecord{}, fmt.Errorf("failed to get transaction: %w", err)
	}
	return rec, nil
}

func (s *PostgresRecorder) Close() error {
	return s.db.Close()
}
