// Package store persists finalized checkout transactions.
//
// Records are write-once: every backend refuses a second record for the same
// payment intent with ErrDuplicate, and none offers an update path.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/StuartGrossman/physical-btc/pkg/finance"
	"github.com/StuartGrossman/physical-btc/pkg/payment"
	"github.com/StuartGrossman/physical-btc/pkg/shipping"
)

// TimestampLayout is ISO-8601 with millisecond precision in UTC, the form
// browsers produce with Date.toISOString.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Sources that produce records.
const (
	SourceCheckout = "checkout"
	SourceWebhook  = "webhook"
)

var (
	ErrDuplicate = errors.New("transaction already recorded")
	ErrNotFound  = errors.New("transaction not found")
	ErrInvalid   = errors.New("invalid transaction record")
)

// RecordID identifies a stored transaction.
type RecordID string

// TransactionRecord is the durable artifact of a successful payment.
type TransactionRecord struct {
	RecordID        RecordID               `json:"recordId,omitempty" firestore:"recordId"`
	PaymentIntentID string                 `json:"paymentIntentId" firestore:"paymentIntentId"`
	Amount          finance.Amount         `json:"amount" firestore:"amount"`
	Currency        string                 `json:"currency" firestore:"currency"`
	Status          payment.TerminalStatus `json:"status" firestore:"status"`
	ShippingInfo    shipping.Info          `json:"shippingInfo" firestore:"shippingInfo"`
	PaymentMethodID string                 `json:"paymentMethodId,omitempty" firestore:"paymentMethodId,omitempty"`
	Card            string                 `json:"card,omitempty" firestore:"card,omitempty"`
	Source          string                 `json:"source" firestore:"source"`
	Timestamp       string                 `json:"timestamp" firestore:"timestamp"`
}

// Recorder writes a transaction record once.
type Recorder interface {
	Record(ctx context.Context, rec TransactionRecord) (RecordID, error)
}

// Reader looks records up by payment intent id.
type Reader interface {
	Get(ctx context.Context, paymentIntentID string) (TransactionRecord, error)
}

// FormatTimestamp renders t with TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NewRecordID returns a random record id.
func NewRecordID() RecordID {
	return RecordID(uuid.NewString())
}

// Validate checks the invariants every backend relies on. Only succeeded
// payments with a complete destination are recordable.
func (r TransactionRecord) Validate() error {
	switch {
	case r.PaymentIntentID == "":
		return fmt.Errorf("%w: missing payment intent id", ErrInvalid)
	case r.Status != payment.TerminalSucceeded:
		return fmt.Errorf("%w: status %q is not recordable", ErrInvalid, r.Status)
	case r.Amount.Validate() != nil:
		return fmt.Errorf("%w: %v", ErrInvalid, r.Amount.Validate())
	case r.Timestamp == "":
		return fmt.Errorf("%w: missing timestamp", ErrInvalid)
	case !shipping.IsComplete(r.ShippingInfo):
		return fmt.Errorf("%w: %v", ErrInvalid, shipping.Check(r.ShippingInfo))
	}
	return nil
}

// prepare validates rec and fills the defaults a backend would otherwise
// have to invent.
func prepare(rec TransactionRecord) (TransactionRecord, error) {
	if rec.RecordID == "" {
		rec.RecordID = NewRecordID()
	}
	if rec.Currency == "" {
		rec.Currency = finance.Currency
	}
	if rec.Source == "" {
		rec.Source = SourceCheckout
	}
	if err := rec.Validate(); err != nil {
		return TransactionRecord{}, err
	}
	return rec, nil
}

// CanonicalJSON encodes rec per RFC 8785 so archived copies are byte-stable.
func CanonicalJSON(rec TransactionRecord) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize record: %w", err)
	}
	return out, nil
}
