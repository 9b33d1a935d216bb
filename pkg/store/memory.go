package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryRecorder keeps records in process. Used in development and tests.
type MemoryRecorder struct {
	mu      sync.RWMutex
	records map[string]TransactionRecord
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{records: make(map[string]TransactionRecord)}
}

func (m *MemoryRecorder) Record(_ context.Context, rec TransactionRecord) (RecordID, error) {
	rec, err := prepare(rec)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.PaymentIntentID]; ok {
		return "", ErrDuplicate
	}
	m.records[rec.PaymentIntentID] = rec
	return rec.RecordID, nil
}

func (m *MemoryRecorder) Get(_ context.Context, paymentIntentID string) (TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[paymentIntentID]
	if !ok {
		return TransactionRecord{}, ErrNotFound
	}
	return rec, nil
}

// List returns all records, newest first.
func (m *MemoryRecorder) List() []TransactionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TransactionRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp == out[j].Timestamp {
			return out[i].PaymentIntentID < out[j].PaymentIntentID
		}
		return out[i].Timestamp > out[j].Timestamp
	})
	return out
}

// Len reports how many records are stored.
func (m *MemoryRecorder) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
