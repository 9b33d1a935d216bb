// Package checkout drives a single purchase through
// amount → shipping → payment → confirmation → success.
//
// An Orchestrator owns one checkout's state. Its methods may be called from
// several goroutines (a UI event loop and background requests); state is
// guarded by a mutex that is never held across an external call. Every step
// change bumps a generation counter, and a response that comes back under an
// older generation is discarded with ErrSuperseded.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/StuartGrossman/physical-btc/pkg/finance"
	"github.com/StuartGrossman/physical-btc/pkg/payment"
	"github.com/StuartGrossman/physical-btc/pkg/shipping"
	"github.com/StuartGrossman/physical-btc/pkg/store"
)

// Deps are the collaborators an Orchestrator calls.
type Deps struct {
	Intents   payment.IntentRequester
	Tokenizer payment.Tokenizer
	Confirmer payment.Confirmer
	Recorder  store.Recorder
}

type call string

const (
	callNone     call = ""
	callIntent   call = "intent"
	callTokenize call = "tokenize"
	callConfirm  call = "confirm"
)

type Orchestrator struct {
	deps          Deps
	logger        *slog.Logger
	now           func() time.Time
	timeout       time.Duration
	recordTimeout time.Duration
	inst          Instrumenter

	mu        sync.Mutex
	state     State
	amountErr error
	inflight  call
	gen       uint64
	// recorded holds intent ids whose record write has been issued.
	recorded map[string]bool
	writes   sync.WaitGroup
}

// New returns an Orchestrator at the amount step.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Intents == nil:
		return nil, errors.New("checkout: intent requester is required")
	case deps.Tokenizer == nil:
		return nil, errors.New("checkout: tokenizer is required")
	case deps.Confirmer == nil:
		return nil, errors.New("checkout: confirmer is required")
	case deps.Recorder == nil:
		return nil, errors.New("checkout: recorder is required")
	}
	o := &Orchestrator{
		deps:          deps,
		logger:        slog.Default().With("component", "checkout"),
		now:           time.Now,
		timeout:       DefaultTimeout,
		recordTimeout: DefaultRecordTimeout,
		state:         State{Step: StepAmount},
		recorded:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.inst == nil {
		o.inst = defaultInstrumenter()
	}
	return o, nil
}

// State returns a copy of the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Busy reports whether an external call is outstanding.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Processing
}

// Wait blocks until background record writes have finished.
func (o *Orchestrator) Wait() {
	o.writes.Wait()
}

// SelectAmount picks a preset amount.
func (o *Orchestrator) SelectAmount(a finance.Amount) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.require(StepAmount, "select amount"); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		o.state.Error = err.Error()
		return err
	}
	o.setAmount(a, a.Major().StringFixed(finance.Scale), nil)
	return nil
}

// EnterAmount takes free-text input. Invalid text is remembered so that
// SubmitAmount reports the same error.
func (o *Orchestrator) EnterAmount(raw string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.require(StepAmount, "enter amount"); err != nil {
		return err
	}
	a, err := finance.ParseAmount(raw)
	if err != nil {
		o.setAmount(0, raw, err)
		o.state.Error = err.Error()
		return err
	}
	o.setAmount(a, raw, nil)
	return nil
}

// setAmount changes the amount and drops any intent or payment method
// obtained for a different one.
func (o *Orchestrator) setAmount(a finance.Amount, input string, parseErr error) {
	if a != o.state.Amount {
		o.state.Intent = nil
		o.state.Method = nil
	}
	o.state.Amount = a
	o.state.AmountInput = input
	o.state.Error = ""
	o.amountErr = parseErr
}

// SubmitAmount moves to shipping once the amount is valid.
func (o *Orchestrator) SubmitAmount() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.require(StepAmount, "submit amount"); err != nil {
		return err
	}
	err := o.amountErr
	if err == nil {
		err = o.state.Amount.Validate()
	}
	if err != nil {
		o.state.Error = err.Error()
		return err
	}
	o.transition(StepShipping)
	return nil
}

// UpdateShipping replaces one field of the shipping info.
func (o *Orchestrator) UpdateShipping(field shipping.Field, value string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.require(StepShipping, "update shipping"); err != nil {
		return err
	}
	info, err := o.state.Shipping.Set(string(field), value)
	if err != nil {
		return err
	}
	o.state.Shipping = info
	o.state.Error = ""
	return nil
}

// SetShipping replaces the whole shipping info.
func (o *Orchestrator) SetShipping(info shipping.Info) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.require(StepShipping, "set shipping"); err != nil {
		return err
	}
	next := shipping.Info{}
	for _, f := range shipping.Fields {
		next = next.With(f, info.Get(f))
	}
	o.state.Shipping = next
	o.state.Error = ""
	return nil
}

// SubmitShipping checks the form, enters payment and requests a fresh
// intent for the amount. It returns once the intent request has finished.
func (o *Orchestrator) SubmitShipping(ctx context.Context) error {
	o.mu.Lock()
	if err := o.require(StepShipping, "submit shipping"); err != nil {
		o.mu.Unlock()
		return err
	}
	if err := shipping.Check(o.state.Shipping); err != nil {
		o.state.Error = err.Error()
		o.mu.Unlock()
		return err
	}
	o.state.Intent = nil
	o.state.Method = nil
	o.transition(StepPayment)
	gen, amount := o.begin(callIntent)
	o.mu.Unlock()

	return o.requestIntent(ctx, gen, amount)
}

// RetryIntent requests an intent again after a failed attempt.
func (o *Orchestrator) RetryIntent(ctx context.Context) error {
	o.mu.Lock()
	if err := o.require(StepPayment, "retry intent"); err != nil {
		o.mu.Unlock()
		return err
	}
	if o.state.Processing {
		o.mu.Unlock()
		return ErrBusy
	}
	if h := o.state.Intent; h != nil && h.Amount == o.state.Amount {
		o.mu.Unlock()
		return nil
	}
	o.state.Intent = nil
	gen, amount := o.begin(callIntent)
	o.mu.Unlock()

	return o.requestIntent(ctx, gen, amount)
}

func (o *Orchestrator) requestIntent(ctx context.Context, gen uint64, amount finance.Amount) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	ctx, done := o.inst.TrackOperation(ctx, "checkout.request_intent",
		attribute.Int64("checkout.amount", int64(amount)))
	handle, err := o.deps.Intents.RequestIntent(ctx, amount)
	err = payment.WrapTimeout(err)
	done(err)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return ErrSuperseded
	}
	o.end()

	if err != nil {
		if errors.Is(err, payment.ErrRequestTimedOut) {
			o.logger.WarnContext(ctx, "intent request timed out", "amount", amount)
			o.transition(StepShipping)
			o.state.Error = msgIntentTimeout
			return err
		}
		o.logger.ErrorContext(ctx, "intent request failed", "amount", amount, "error", err)
		o.state.Error = msgIntentFailed
		return err
	}
	if handle.Amount == 0 {
		handle.Amount = amount
	}
	o.state.Intent = &handle
	o.state.Error = ""
	o.logger.InfoContext(ctx, "payment intent ready", "intent", handle)
	return nil
}

// SubmitCard tokenizes the card and moves to confirmation. Processor
// rejections are shown verbatim.
func (o *Orchestrator) SubmitCard(ctx context.Context, card payment.CardInput) error {
	o.mu.Lock()
	if err := o.require(StepPayment, "submit card"); err != nil {
		o.mu.Unlock()
		return err
	}
	if o.state.Processing {
		o.mu.Unlock()
		return ErrBusy
	}
	if o.state.Intent == nil {
		o.state.Error = ErrIntentMissing.Error()
		o.mu.Unlock()
		return ErrIntentMissing
	}
	if o.state.Intent.Amount != o.state.Amount {
		o.state.Intent = nil
		o.state.Error = msgStaleIntent
		o.mu.Unlock()
		return ErrStaleIntent
	}
	billing := payment.BillingFromShipping(o.state.Shipping)
	gen, _ := o.begin(callTokenize)
	o.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	tctx, done := o.inst.TrackOperation(tctx, "checkout.tokenize")
	ref, err := o.deps.Tokenizer.Tokenize(tctx, card, billing)
	err = payment.WrapTimeout(err)
	done(err)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return ErrSuperseded
	}
	o.end()

	if err != nil {
		var rejected *payment.CardRejectedError
		switch {
		case errors.As(err, &rejected):
			o.logger.InfoContext(ctx, "card rejected", "code", rejected.Code)
			o.state.Error = rejected.Reason
		case errors.Is(err, payment.ErrRequestTimedOut):
			o.logger.WarnContext(ctx, "tokenization timed out")
			o.state.Error = msgCardTimeout
		default:
			o.logger.ErrorContext(ctx, "tokenization failed", "error", err)
			o.state.Error = msgCardFailed
		}
		return err
	}

	o.state.Method = &ref
	o.state.Status = ""
	o.state.Error = ""
	o.transition(StepConfirmation)
	return nil
}

// Confirm captures the payment. At most one confirmation runs at a time: a
// second call while one is outstanding returns ErrBusy without reaching the
// processor.
func (o *Orchestrator) Confirm(ctx context.Context) (payment.TerminalStatus, error) {
	o.mu.Lock()
	if err := o.require(StepConfirmation, "confirm"); err != nil {
		o.mu.Unlock()
		return "", err
	}
	if o.state.Processing {
		o.mu.Unlock()
		return "", ErrBusy
	}
	if o.state.Intent == nil || o.state.Method == nil {
		o.mu.Unlock()
		return "", ErrIntentMissing
	}
	handle, method := *o.state.Intent, *o.state.Method
	info := o.state.Shipping
	gen, amount := o.begin(callConfirm)
	o.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	cctx, done := o.inst.TrackOperation(cctx, "checkout.confirm",
		attribute.String("checkout.intent_id", handle.IntentID))
	conf, err := o.deps.Confirmer.Confirm(cctx, handle, method)
	err = payment.WrapTimeout(err)
	done(err)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return "", ErrSuperseded
	}
	o.end()

	if err != nil {
		o.state.Status = payment.TerminalFailed
		if errors.Is(err, payment.ErrRequestTimedOut) {
			o.logger.WarnContext(ctx, "confirmation timed out", "intent", handle)
			o.state.Error = msgConfirmTimeout
			return payment.TerminalFailed, err
		}
		o.logger.ErrorContext(ctx, "confirmation failed", "intent", handle, "error", err)
		o.state.Error = msgConfirmFailed
		return payment.TerminalFailed, err
	}

	o.state.Status = conf.Status
	switch conf.Status {
	case payment.TerminalSucceeded:
		o.state.Error = ""
		o.transition(StepSuccess)
		o.logger.InfoContext(ctx, "payment succeeded", "intent", handle, "card", method.Last4)
		o.recordLocked(ctx, o.newRecord(conf, handle, method, info, amount))
		return conf.Status, nil
	case payment.TerminalRequiresAction:
		o.logger.InfoContext(ctx, "payment requires action", "intent", handle)
		o.state.Error = firstNonEmpty(conf.Message, msgRequiresAction)
		return conf.Status, nil
	default:
		msg := firstNonEmpty(conf.Message, msgConfirmFailed)
		o.logger.InfoContext(ctx, "payment declined", "intent", handle, "processor_status", conf.ProcessorStatus)
		o.state.Error = msg
		return payment.TerminalFailed, &payment.ConfirmationFailedError{Reason: msg}
	}
}

func (o *Orchestrator) newRecord(conf payment.Confirmation, handle payment.IntentHandle, method payment.MethodRef, info shipping.Info, amount finance.Amount) store.TransactionRecord {
	id := firstNonEmpty(conf.IntentID, handle.IntentID)
	if conf.Amount != 0 {
		amount = conf.Amount
	}
	return store.TransactionRecord{
		PaymentIntentID: id,
		Amount:          amount,
		Currency:        finance.Currency,
		Status:          payment.TerminalSucceeded,
		ShippingInfo:    info,
		PaymentMethodID: method.ID,
		Card:            method.Masked(),
		Source:          store.SourceCheckout,
		Timestamp:       store.FormatTimestamp(o.now()),
	}
}

// recordLocked issues the record write in the background, once per intent.
// Failures are logged and never change the success state. A duplicate means
// the webhook got there first and counts as recorded.
func (o *Orchestrator) recordLocked(ctx context.Context, rec store.TransactionRecord) {
	if o.recorded[rec.PaymentIntentID] {
		return
	}
	o.recorded[rec.PaymentIntentID] = true
	gen := o.gen

	o.writes.Add(1)
	go func() {
		defer o.writes.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.recordTimeout)
		defer cancel()
		wctx, done := o.inst.TrackOperation(wctx, "checkout.record",
			attribute.String("checkout.intent_id", rec.PaymentIntentID))
		id, err := o.deps.Recorder.Record(wctx, rec)
		if errors.Is(err, store.ErrDuplicate) {
			done(nil)
			o.logger.InfoContext(wctx, "transaction already recorded",
				"payment_intent_id", rec.PaymentIntentID)
			id = o.existingRecord(wctx, rec.PaymentIntentID)
			if id == "" {
				return
			}
		} else {
			done(err)
			if err != nil {
				o.logger.ErrorContext(wctx, "failed to record transaction",
					"payment_intent_id", rec.PaymentIntentID, "error", err)
				return
			}
			o.logger.InfoContext(wctx, "transaction recorded",
				"payment_intent_id", rec.PaymentIntentID, "record_id", id)
		}

		o.mu.Lock()
		defer o.mu.Unlock()
		if o.gen == gen {
			o.state.RecordID = id
		}
	}()
}

// existingRecord looks up the id of a record written elsewhere for the same
// intent, when the recorder can read.
func (o *Orchestrator) existingRecord(ctx context.Context, intentID string) store.RecordID {
	reader, ok := o.deps.Recorder.(store.Reader)
	if !ok {
		return ""
	}
	rec, err := reader.Get(ctx, intentID)
	if err != nil {
		o.logger.WarnContext(ctx, "recorded transaction lookup failed",
			"payment_intent_id", intentID, "error", err)
		return ""
	}
	return rec.RecordID
}

// Back moves one step backward. It is allowed while an intent or tokenize
// request is outstanding (its response will be discarded) but not while a
// confirmation is in flight.
func (o *Orchestrator) Back() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight == callConfirm {
		return ErrBusy
	}
	to, ok := previous[o.state.Step]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCannotGoBack, o.state.Step)
	}
	switch o.state.Step {
	case StepPayment:
		o.state.Intent = nil
		o.state.Method = nil
	case StepConfirmation:
		o.state.Method = nil
	}
	o.end()
	o.state.Status = ""
	o.state.Error = ""
	o.transition(to)
	return nil
}

// Reset abandons the checkout and starts over at the amount step.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight == callConfirm {
		return ErrBusy
	}
	o.end()
	o.amountErr = nil
	o.gen++
	o.logger.Info("checkout reset", "from", o.state.Step)
	o.inst.RecordTransition(context.Background(), string(o.state.Step), string(StepAmount))
	o.state = State{Step: StepAmount}
	return nil
}

func (o *Orchestrator) require(step Step, op string) error {
	if o.state.Step != step {
		return fmt.Errorf("%w: cannot %s at %s", ErrWrongStep, op, o.state.Step)
	}
	return nil
}

// begin marks a call outstanding and returns the generation and amount it
// runs under. Callers hold o.mu.
func (o *Orchestrator) begin(c call) (uint64, finance.Amount) {
	o.inflight = c
	o.state.Processing = true
	return o.gen, o.state.Amount
}

func (o *Orchestrator) end() {
	o.inflight = callNone
	o.state.Processing = false
}

func (o *Orchestrator) transition(to Step) {
	from := o.state.Step
	o.state.Step = to
	o.gen++
	o.logger.Debug("checkout step", "from", from, "to", to)
	o.inst.RecordTransition(context.Background(), string(from), string(to))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
