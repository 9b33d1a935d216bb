package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/StuartGrossman/physical-btc/pkg/finance"
	"github.com/StuartGrossman/physical-btc/pkg/payment"
)

// SQLiteRecorder stores records in a local SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. ":memory:" works for
// tests but must stay on a single connection.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLiteRecorder(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteRecorder(ctx context.Context, db *sql.DB) (*SQLiteRecorder, error) {
	s := &SQLiteRecorder{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRecorder) migrate(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS transactions (
        record_id TEXT PRIMARY KEY,
        payment_intent_id TEXT NOT NULL UNIQUE,
        amount INTEGER NOT NULL,
        currency TEXT NOT NULL,
        status TEXT NOT NULL,
        shipping JSON NOT NULL,
        payment_method_id TEXT NOT NULL DEFAULT '',
        card TEXT NOT NULL DEFAULT '',
        source TEXT NOT NULL,
        timestamp TEXT NOT NULL
    );`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate transactions: %w", err)
	}
	return nil
}

func (s *SQLiteRecorder) Record(ctx context.Context, rec TransactionRecord) (RecordID, error) {
	rec, err := prepare(rec)
	if err != nil {
		return "", err
	}
	shippingJSON, err := json.Marshal(rec.ShippingInfo)
	if err != nil {
		return "", fmt.Errorf("marshal shipping: %w", err)
	}

	query := `INSERT INTO transactions (
		record_id, payment_intent_id, amount, currency, status, shipping, payment_method_id, card, source, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(payment_intent_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		string(rec.RecordID), rec.PaymentIntentID, int64(rec.Amount), rec.Currency, string(rec.Status),
		string(shippingJSON), rec.PaymentMethodID, rec.Card, rec.Source, rec.Timestamp,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert transaction: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", ErrDuplicate
	}
	return rec.RecordID, nil
}

const selectColumns = `record_id, payment_intent_id, amount, currency, status, shipping, payment_method_id, card, source, timestamp`

func (s *SQLiteRecorder) Get(ctx context.Context, paymentIntentID string) (TransactionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM transactions WHERE payment_intent_id = ?`, paymentIntentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TransactionRecord{}, ErrNotFound
	}
	return rec, err
}

// List returns up to limit records, newest first.
func (s *SQLiteRecorder) List(ctx context.Context, limit int) ([]TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM transactions ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteRecorder) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRecord reads a row in selectColumns order. Shared with the Postgres
// recorder.
func scanRecord(row scanner) (TransactionRecord, error) {
	var (
		rec          TransactionRecord
		recordID     string
		amount       int64
		status       string
		shippingJSON []byte
	)
	err := row.Scan(&recordID, &rec.PaymentIntentID, &amount, &rec.Currency, &status,
		&shippingJSON, &rec.PaymentMethodID, &rec.Card, &rec.Source, &rec.Timestamp)
	if err != nil {
		return TransactionRecord{}, err
	}
	rec.RecordID = RecordID(recordID)
	rec.Amount = finance.Amount(amount)
	rec.Status = payment.TerminalStatus(status)
	if len(shippingJSON) > 0 {
		if err := json.Unmarshal(shippingJSON, &rec.ShippingInfo); err != nil {
			return TransactionRecord{}, fmt.Errorf("decode shipping: %w", err)
		}
	}
	return rec, nil
}
