package checkout

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StuartGrossman/physical-btc/pkg/finance"
	"github.com/StuartGrossman/physical-btc/pkg/payment"
	"github.com/StuartGrossman/physical-btc/pkg/payment/fake"
	"github.com/StuartGrossman/physical-btc/pkg/shipping"
	"github.com/StuartGrossman/physical-btc/pkg/store"
)

var testShipping = shipping.Info{
	Email:      "test@example.com",
	Name:       "Test User",
	Address:    "123 Test St",
	City:       "Test City",
	State:      "TS",
	PostalCode: "12345",
	Country:    "US",
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testCard(number string) payment.CardInput {
	return payment.CardInput{Number: number, ExpMonth: 12, ExpYear: fixedNow.Year() + 3, CVC: "123"}
}

type flow struct {
	o    *Orchestrator
	proc *fake.Processor
	mem  *store.MemoryRecorder
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFlow(t *testing.T, opts ...Option) *flow {
	t.Helper()
	proc := fake.New()
	proc.Now = func() time.Time { return fixedNow }
	mem := store.NewMemoryRecorder()
	return newFlowWith(t, proc, mem, opts...)
}

func newFlowWith(t *testing.T, proc *fake.Processor, rec store.Recorder, opts ...Option) *flow {
	t.Helper()
	base := []Option{WithLogger(quietLogger()), WithClock(func() time.Time { return fixedNow })}
	o, err := New(Deps{Intents: proc, Tokenizer: proc, Confirmer: proc, Recorder: rec}, append(base, opts...)...)
	require.NoError(t, err)
	mem, _ := rec.(*store.MemoryRecorder)
	return &flow{o: o, proc: proc, mem: mem}
}

// toPayment walks the flow to the payment step with an intent in hand.
func (f *flow) toPayment(t *testing.T, amount finance.Amount) {
	t.Helper()
	require.NoError(t, f.o.SelectAmount(amount))
	require.NoError(t, f.o.SubmitAmount())
	require.NoError(t, f.o.SetShipping(testShipping))
	require.NoError(t, f.o.SubmitShipping(context.Background()))
}

func (f *flow) toConfirmation(t *testing.T, amount finance.Amount, number string) {
	t.Helper()
	f.toPayment(t, amount)
	require.NoError(t, f.o.SubmitCard(context.Background(), testCard(number)))
}

func TestNew_RequiresDeps(t *testing.T) {
	proc := fake.New()
	_, err := New(Deps{Intents: proc, Tokenizer: proc, Confirmer: proc})
	assert.ErrorContains(t, err, "recorder")
	_, err = New(Deps{})
	assert.ErrorContains(t, err, "intent requester")
}

func TestCheckout_EndToEnd(t *testing.T) {
	f := newFlow(t)
	ctx := context.Background()

	assert.Equal(t, StepAmount, f.o.State().Step)
	require.NoError(t, f.o.SelectAmount(2500))
	require.NoError(t, f.o.SubmitAmount())
	assert.Equal(t, StepShipping, f.o.State().Step)

	for _, field := range shipping.Fields {
		require.NoError(t, f.o.UpdateShipping(field, testShipping.Get(field)))
	}
	require.NoError(t, f.o.SubmitShipping(ctx))

	st := f.o.State()
	assert.Equal(t, StepPayment, st.Step)
	require.NotNil(t, st.Intent)
	assert.EqualValues(t, 2500, st.Intent.Amount)
	assert.False(t, st.Processing)

	require.NoError(t, f.o.SubmitCard(ctx, testCard(fake.CardSuccess)))
	st = f.o.State()
	assert.Equal(t, StepConfirmation, st.Step)
	assert.Equal(t, "•••• •••• •••• 4242", st.Card())

	status, err := f.o.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, payment.TerminalSucceeded, status)
	f.o.Wait()

	st = f.o.State()
	assert.Equal(t, StepSuccess, st.Step)
	assert.Empty(t, st.Error)
	assert.False(t, st.Processing)
	assert.NotEmpty(t, st.RecordID)

	rec, err := f.mem.Get(ctx, st.Intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, st.RecordID, rec.RecordID)
	assert.EqualValues(t, 2500, rec.Amount)
	assert.Equal(t, payment.TerminalSucceeded, rec.Status)
	assert.Equal(t, "•••• •••• •••• 4242", rec.Card)
	assert.Equal(t, testShipping, rec.ShippingInfo)
	assert.Equal(t, "2026-03-01T12:00:00.000Z", rec.Timestamp)
	assert.Equal(t, store.SourceCheckout, rec.Source)
}

func TestCheckout_AmountStep(t *testing.T) {
	tests := []struct {
		raw  string
		want finance.Amount
		err  error
	}{
		{raw: "25", want: 2500},
		{raw: "25.5", want: 2550},
		{raw: "0.99", err: finance.ErrBelowMinimum},
		{raw: "1000.01", err: finance.ErrAboveMaximum},
		{raw: "12.345", err: finance.ErrTooManyDecimals},
		{raw: "abc", err: finance.ErrNotNumeric},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			f := newFlow(t)
			err := f.o.EnterAmount(tt.raw)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.ErrorIs(t, f.o.SubmitAmount(), tt.err)
				st := f.o.State()
				assert.Equal(t, StepAmount, st.Step)
				assert.Equal(t, err.Error(), st.Error)
				assert.Equal(t, tt.raw, st.AmountInput)
				return
			}
			require.NoError(t, err)
			require.NoError(t, f.o.SubmitAmount())
			st := f.o.State()
			assert.Equal(t, tt.want, st.Amount)
			assert.Equal(t, StepShipping, st.Step)
		})
	}
}

func TestCheckout_SubmitAmountWithoutSelection(t *testing.T) {
	f := newFlow(t)
	assert.ErrorIs(t, f.o.SubmitAmount(), finance.ErrBelowMinimum)
	assert.Equal(t, "Amount must be at least $1.00", f.o.State().Error)
}

func TestCheckout_CorrectedAmountClearsError(t *testing.T) {
	f := newFlow(t)
	_ = f.o.EnterAmount("abc")
	require.NoError(t, f.o.EnterAmount("10"))
	assert.Empty(t, f.o.State().Error)
	assert.NoError(t, f.o.SubmitAmount())
}

func TestCheckout_ShippingGuard(t *testing.T) {
	for _, missing := range shipping.Fields {
		t.Run(string(missing), func(t *testing.T) {
			f := newFlow(t)
			require.NoError(t, f.o.SelectAmount(2500))
			require.NoError(t, f.o.SubmitAmount())
			require.NoError(t, f.o.SetShipping(testShipping.With(missing, "   ")))

			err := f.o.SubmitShipping(context.Background())
			var incomplete *shipping.IncompleteError
			require.ErrorAs(t, err, &incomplete)
			assert.Equal(t, []shipping.Field{missing}, incomplete.Missing)

			st := f.o.State()
			assert.Equal(t, StepShipping, st.Step)
			assert.Contains(t, st.Error, string(missing))
			assert.Zero(t, f.proc.IntentCount(), "no intent requested for an incomplete form")
		})
	}
}

func TestCheckout_NoSkippingForward(t *testing.T) {
	f := newFlow(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.o.SubmitShipping(ctx), ErrWrongStep)
	assert.ErrorIs(t, f.o.SubmitCard(ctx, testCard(fake.CardSuccess)), ErrWrongStep)
	_, err := f.o.Confirm(ctx)
	assert.ErrorIs(t, err, ErrWrongStep)
	assert.ErrorIs(t, f.o.UpdateShipping(shipping.FieldName, "x"), ErrWrongStep)
	assert.ErrorIs(t, f.o.RetryIntent(ctx), ErrWrongStep)

	require.NoError(t, f.o.SelectAmount(2500))
	require.NoError(t, f.o.SubmitAmount())
	assert.ErrorIs(t, f.o.SelectAmount(5000), ErrWrongStep, "amount is frozen after the amount step")
	_, err = f.o.Confirm(ctx)
	assert.ErrorIs(t, err, ErrWrongStep)
}

func TestCheckout_AmountChangeForcesNewIntent(t *testing.T) {
	f := newFlow(t)
	ctx := context.Background()

	f.toPayment(t, 2500)
	first := f.o.State().Intent
	require.NotNil(t, first)

	require.NoError(t, f.o.Back())
	require.NoError(t, f.o.Back())
	st := f.o.State()
	assert.Equal(t, StepAmount, st.Step)
	assert.Nil(t, st.Intent)

	require.NoError(t, f.o.SelectAmount(5000))
	require.NoError(t, f.o.SubmitAmount())
	require.NoError(t, f.o.SubmitShipping(ctx))

	second := f.o.State().Intent
	require.NotNil(t, second)
	assert.NotEqual(t, first.IntentID, second.IntentID)
	assert.EqualValues(t, 5000, second.Amount)
	assert.Equal(t, 2, f.proc.IntentCount())

	require.NoError(t, f.o.SubmitCard(ctx, testCard(fake.CardSuccess)))
	_, err := f.o.Confirm(ctx)
	require.NoError(t, err)
	f.o.Wait()

	rec, err := f.mem.Get(ctx, second.IntentID)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, rec.Amount)
}

func TestCheckout_ReenteringPaymentRequestsFreshIntent(t *testing.T) {
	f := newFlow(t)
	f.toPayment(t, 2500)
	first := f.o.State().Intent.IntentID

	require.NoError(t, f.o.Back())
	require.NoError(t, f.o.SubmitShipping(context.Background()))
	assert.NotEqual(t, first, f.o.State().Intent.IntentID)
}

func TestCheckout_CardRejectedShownVerbatim(t *testing.T) {
	f := newFlow(t)
	f.toPayment(t, 2500)

	err := f.o.SubmitCard(context.Background(), testCard(fake.CardIncorrectCVC))
	var rejected *payment.CardRejectedError
	require.ErrorAs(t, err, &rejected)

	st := f.o.State()
	assert.Equal(t, StepPayment, st.Step)
	assert.Equal(t, "Your card's security code is incorrect.", st.Error)
	assert.NotNil(t, st.Intent, "intent survives a card rejection")
	assert.Nil(t, st.Method)

	require.NoError(t, f.o.SubmitCard(context.Background(), testCard(fake.CardSuccess)))
	assert.Equal(t, StepConfirmation, f.o.State().Step)
}

func TestCheckout_DeclineKeepsIntentForRetry(t *testing.T) {
	f := newFlow(t)
	ctx := context.Background()
	f.toConfirmation(t, 2500, fake.CardDeclined)
	intent := f.o.State().Intent.IntentID

	status, err := f.o.Confirm(ctx)
	assert.Equal(t, payment.TerminalFailed, status)
	var failed *payment.ConfirmationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "Your card was declined.", failed.Reason)

	st := f.o.State()
	assert.Equal(t, StepConfirmation, st.Step)
	assert.Equal(t, "Your card was declined.", st.Error)
	assert.Equal(t, payment.TerminalFailed, st.Status)
	assert.Equal(t, intent, st.Intent.IntentID)
	assert.False(t, st.Processing)

	require.NoError(t, f.o.Back())
	st = f.o.State()
	assert.Equal(t, StepPayment, st.Step)
	assert.Equal(t, intent, st.Intent.IntentID, "going back to payment keeps the intent")
	assert.Nil(t, st.Method)

	require.NoError(t, f.o.SubmitCard(ctx, testCard(fake.CardSuccess)))
	status, err = f.o.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, payment.TerminalSucceeded, status)
	f.o.Wait()

	assert.Equal(t, 2, f.proc.ConfirmCalls(intent))
	assert.Equal(t, 1, f.mem.Len())
	assert.Equal(t, 1, f.proc.IntentCount())
}

func TestCheckout_RequiresActionIsDistinct(t *testing.T) {
	f := newFlow(t)
	f.toConfirmation(t, 2500, fake.CardRequiresAction)

	status, err := f.o.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payment.TerminalRequiresAction, status)
	f.o.Wait()

	st := f.o.State()
	assert.Equal(t, StepConfirmation, st.Step)
	assert.Equal(t, payment.TerminalRequiresAction, st.Status)
	assert.NotEmpty(t, st.Error)
	assert.Zero(t, f.mem.Len())
}

type failingRecorder struct{ calls int }

func (r *failingRecorder) Record(context.Context, store.TransactionRecord) (store.RecordID, error) {
	r.calls++
	return "", errors.New("firestore unavailable")
}

func TestCheckout_PersistenceFailureStillSucceeds(t *testing.T) {
	rec := &failingRecorder{}
	f := newFlowWith(t, fake.New(), rec)
	f.toConfirmation(t, 2500, fake.CardSuccess)

	status, err := f.o.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payment.TerminalSucceeded, status)
	f.o.Wait()

	st := f.o.State()
	assert.Equal(t, StepSuccess, st.Step)
	assert.Empty(t, st.Error)
	assert.Empty(t, st.RecordID)
	assert.Equal(t, 1, rec.calls)
}

type duplicateRecorder struct{ calls int }

func (r *duplicateRecorder) Record(context.Context, store.TransactionRecord) (store.RecordID, error) {
	r.calls++
	return "", store.ErrDuplicate
}

func TestCheckout_DuplicateRecordIsNotAFailure(t *testing.T) {
	var logs bytes.Buffer
	rec := &duplicateRecorder{}
	f := newFlowWith(t, fake.New(), rec, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	f.toConfirmation(t, 2500, fake.CardSuccess)

	_, err := f.o.Confirm(context.Background())
	require.NoError(t, err)
	f.o.Wait()

	assert.Equal(t, StepSuccess, f.o.State().Step)
	assert.Equal(t, 1, rec.calls)
	assert.Contains(t, logs.String(), "transaction already recorded")
	assert.NotContains(t, logs.String(), "level=ERROR")
}

func TestCheckout_AdoptsRecordWrittenByWebhook(t *testing.T) {
	f := newFlow(t)
	ctx := context.Background()
	f.toConfirmation(t, 2500, fake.CardSuccess)

	intentID := f.o.State().Intent.IntentID
	webhookID, err := f.mem.Record(ctx, store.TransactionRecord{
		PaymentIntentID: intentID,
		Amount:          2500,
		Status:          payment.TerminalSucceeded,
		ShippingInfo:    testShipping,
		Source:          store.SourceWebhook,
		Timestamp:       store.FormatTimestamp(fixedNow),
	})
	require.NoError(t, err)

	_, err = f.o.Confirm(ctx)
	require.NoError(t, err)
	f.o.Wait()

	assert.Equal(t, webhookID, f.o.State().RecordID)
	assert.Equal(t, 1, f.mem.Len())
}

func TestCheckout_IntentFailureStaysOnPayment(t *testing.T) {
	f := newFlow(t)
	fail := true
	f.proc.Hooks.BeforeIntent = func(context.Context) error {
		if fail {
			return errors.New("backend returned 500")
		}
		return nil
	}

	require.NoError(t, f.o.SelectAmount(2500))
	require.NoError(t, f.o.SubmitAmount())
	require.NoError(t, f.o.SetShipping(testShipping))
	err := f.o.SubmitShipping(context.Background())
	assert.ErrorIs(t, err, payment.ErrIntentRequestFailed)

	st := f.o.State()
	assert.Equal(t, StepPayment, st.Step)
	assert.Nil(t, st.Intent)
	assert.Equal(t, msgIntentFailed, st.Error)
	assert.False(t, st.Processing)

	assert.ErrorIs(t, f.o.SubmitCard(context.Background(), testCard(fake.CardSuccess)), ErrIntentMissing)

	fail = false
	require.NoError(t, f.o.RetryIntent(context.Background()))
	st = f.o.State()
	require.NotNil(t, st.Intent)
	assert.Empty(t, st.Error)

	require.NoError(t, f.o.RetryIntent(context.Background()), "retry with an intent in hand is a no-op")
	assert.Equal(t, 1, f.proc.IntentCount())
}

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCheckout_IntentTimeoutReturnsToShipping(t *testing.T) {
	f := newFlow(t, WithTimeout(20*time.Millisecond))
	f.proc.Hooks.BeforeIntent = blockUntilDone

	require.NoError(t, f.o.SelectAmount(2500))
	require.NoError(t, f.o.SubmitAmount())
	require.NoError(t, f.o.SetShipping(testShipping))
	err := f.o.SubmitShipping(context.Background())
	assert.ErrorIs(t, err, payment.ErrRequestTimedOut)

	st := f.o.State()
	assert.Equal(t, StepShipping, st.Step)
	assert.Equal(t, msgIntentTimeout, st.Error)
	assert.False(t, st.Processing)
	assert.Equal(t, testShipping, st.Shipping, "shipping info survives the timeout")
}

func TestCheckout_TokenizeTimeoutStaysOnPayment(t *testing.T) {
	f := newFlow(t, WithTimeout(20*time.Millisecond))
	f.toPayment(t, 2500)
	f.proc.Hooks.BeforeTokenize = blockUntilDone

	err := f.o.SubmitCard(context.Background(), testCard(fake.CardSuccess))
	assert.ErrorIs(t, err, payment.ErrRequestTimedOut)
	st := f.o.State()
	assert.Equal(t, StepPayment, st.Step)
	assert.Equal(t, msgCardTimeout, st.Error)
	assert.NotNil(t, st.Intent)
}

func TestCheckout_ConfirmTimeoutKeepsIntent(t *testing.T) {
	f := newFlow(t, WithTimeout(20*time.Millisecond))
	f.toConfirmation(t, 2500, fake.CardSuccess)
	f.proc.Hooks.BeforeConfirm = blockUntilDone

	status, err := f.o.Confirm(context.Background())
	assert.ErrorIs(t, err, payment.ErrRequestTimedOut)
	assert.Equal(t, payment.TerminalFailed, status)

	st := f.o.State()
	assert.Equal(t, StepConfirmation, st.Step)
	assert.Equal(t, msgConfirmTimeout, st.Error)
	assert.NotNil(t, st.Intent)
	assert.False(t, st.Processing)

	f.proc.Hooks.BeforeConfirm = nil
	status, err = f.o.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payment.TerminalSucceeded, status)
}

func TestCheckout_BackNavigation(t *testing.T) {
	f := newFlow(t)
	assert.ErrorIs(t, f.o.Back(), ErrCannotGoBack)

	f.toConfirmation(t, 2500, fake.CardSuccess)
	require.NoError(t, f.o.Back())
	assert.Equal(t, StepPayment, f.o.State().Step)
	require.NoError(t, f.o.Back())
	st := f.o.State()
	assert.Equal(t, StepShipping, st.Step)
	assert.Nil(t, st.Intent)
	assert.Equal(t, testShipping, st.Shipping)
	require.NoError(t, f.o.Back())
	st = f.o.State()
	assert.Equal(t, StepAmount, st.Step)
	assert.EqualValues(t, 2500, st.Amount, "amount is kept when going back")
}

func TestCheckout_NoBackFromSuccess(t *testing.T) {
	f := newFlow(t)
	f.toConfirmation(t, 2500, fake.CardSuccess)
	_, err := f.o.Confirm(context.Background())
	require.NoError(t, err)
	f.o.Wait()
	assert.ErrorIs(t, f.o.Back(), ErrCannotGoBack)
}

func TestCheckout_Reset(t *testing.T) {
	f := newFlow(t)
	f.toConfirmation(t, 2500, fake.CardSuccess)
	_, err := f.o.Confirm(context.Background())
	require.NoError(t, err)
	f.o.Wait()

	require.NoError(t, f.o.Reset())
	st := f.o.State()
	assert.Equal(t, State{Step: StepAmount}, st)

	f.toConfirmation(t, 1000, fake.CardSuccess)
	_, err = f.o.Confirm(context.Background())
	require.NoError(t, err)
	f.o.Wait()
	assert.Equal(t, 2, f.mem.Len())
}

type mismatchedRequester struct{ *fake.Processor }

func (m mismatchedRequester) RequestIntent(ctx context.Context, amount finance.Amount) (payment.IntentHandle, error) {
	h, err := m.Processor.RequestIntent(ctx, amount+100)
	return h, err
}

func TestCheckout_StaleIntentIsRefused(t *testing.T) {
	proc := fake.New()
	o, err := New(Deps{Intents: mismatchedRequester{proc}, Tokenizer: proc, Confirmer: proc, Recorder: store.NewMemoryRecorder()},
		WithLogger(quietLogger()))
	require.NoError(t, err)

	require.NoError(t, o.SelectAmount(2500))
	require.NoError(t, o.SubmitAmount())
	require.NoError(t, o.SetShipping(testShipping))
	require.NoError(t, o.SubmitShipping(context.Background()))

	err = o.SubmitCard(context.Background(), testCard(fake.CardSuccess))
	assert.ErrorIs(t, err, ErrStaleIntent)
	st := o.State()
	assert.Nil(t, st.Intent)
	assert.Equal(t, StepPayment, st.Step)
}

func TestCheckout_StateIsACopy(t *testing.T) {
	f := newFlow(t)
	f.toPayment(t, 2500)
	st := f.o.State()
	st.Intent.IntentID = "pi_tampered"
	assert.NotEqual(t, "pi_tampered", f.o.State().Intent.IntentID)
}
