package store

import (
	"context"
	"errors"
	"log/slog"
)

// Fanout writes to a primary recorder and then to best-effort secondaries
// such as archives. Only the primary's outcome is returned.
type Fanout struct {
	primary     Recorder
	secondaries []Recorder
	logger      *slog.Logger
}

func NewFanout(primary Recorder, secondaries ...Recorder) *Fanout {
	return &Fanout{
		primary:     primary,
		secondaries: secondaries,
		logger:      slog.Default().With("component", "store.fanout"),
	}
}

func (f *Fanout) Record(ctx context.Context, rec TransactionRecord) (RecordID, error) {
	if rec.RecordID == "" {
		rec.RecordID = NewRecordID()
	}
	id, err := f.primary.Record(ctx, rec)
	if err != nil {
		return "", err
	}
	rec.RecordID = id
	for _, s := range f.secondaries {
		if _, err := s.Record(ctx, rec); err != nil && !errors.Is(err, ErrDuplicate) {
			f.logger.WarnContext(ctx, "secondary record write failed",
				"payment_intent_id", rec.PaymentIntentID, "error", err)
		}
	}
	return id, nil
}

// Get reads from the primary when it supports lookups.
func (f *Fanout) Get(ctx context.Context, paymentIntentID string) (TransactionRecord, error) {
	r, ok := f.primary.(Reader)
	if !ok {
		return TransactionRecord{}, ErrNotFound
	}
	return r.Get(ctx, paymentIntentID)
}
