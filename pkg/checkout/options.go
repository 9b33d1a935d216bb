package checkout

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/StuartGrossman/physical-btc/pkg/observability"
)

const (
	DefaultTimeout       = 15 * time.Second
	DefaultRecordTimeout = 30 * time.Second
)

// Instrumenter traces external calls and counts transitions.
// *observability.Provider implements it.
type Instrumenter interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
	RecordTransition(ctx context.Context, from, to string)
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTimeout bounds each intent, tokenize and confirm call.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithRecordTimeout bounds the background record write.
func WithRecordTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.recordTimeout = d }
}

func WithInstrumenter(i Instrumenter) Option {
	return func(o *Orchestrator) { o.inst = i }
}

func defaultInstrumenter() Instrumenter {
	return observability.Disabled()
}
