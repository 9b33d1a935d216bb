package fake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StuartGrossman/physical-btc/pkg/payment"
	"github.com/StuartGrossman/physical-btc/pkg/shipping"
)

func card(number string) payment.CardInput {
	return payment.CardInput{Number: number, ExpMonth: 12, ExpYear: time.Now().Year() + 2, CVC: "123"}
}

func TestProcessor_HappyPath(t *testing.T) {
	ctx := context.Background()
	p := New()

	h, err := p.RequestIntent(ctx, 2500)
	require.NoError(t, err)

	ref, err := p.Tokenize(ctx, card(CardSuccess), payment.BillingDetails{})
	require.NoError(t, err)
	assert.Equal(t, "4242", ref.Last4)
	assert.Equal(t, "visa", ref.Brand)

	conf, err := p.Confirm(ctx, h, ref)
	require.NoError(t, err)
	assert.Equal(t, payment.TerminalSucceeded, conf.Status)
	assert.EqualValues(t, 2500, conf.Amount)
	assert.Equal(t, h.IntentID, conf.IntentID)
	assert.Equal(t, 1, p.ConfirmCalls(h.IntentID))
}

func TestProcessor_TokenizeRejections(t *testing.T) {
	p := New()
	tests := []struct {
		name string
		card payment.CardInput
		code string
	}{
		{name: "bad luhn", card: card("4242424242424241"), code: "incorrect_number"},
		{name: "short", card: card("4242"), code: "incorrect_number"},
		{name: "expired", card: payment.CardInput{Number: CardSuccess, ExpMonth: 1, ExpYear: 2020, CVC: "123"}, code: "expired_card"},
		{name: "bad month", card: payment.CardInput{Number: CardSuccess, ExpMonth: 13, ExpYear: 2099, CVC: "123"}, code: "invalid_expiry_month"},
		{name: "cvc", card: card(CardIncorrectCVC), code: "incorrect_cvc"},
		{name: "cvc letters", card: payment.CardInput{Number: CardSuccess, ExpMonth: 12, ExpYear: 2099, CVC: "12a"}, code: "incorrect_cvc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Tokenize(context.Background(), tt.card, payment.BillingDetails{})
			var rejected *payment.CardRejectedError
			require.ErrorAs(t, err, &rejected)
			assert.Equal(t, tt.code, rejected.Code)
			assert.NotEmpty(t, rejected.Reason)
		})
	}
}

func TestProcessor_ConfirmOutcomes(t *testing.T) {
	ctx := context.Background()
	p := New()

	h, err := p.RequestIntent(ctx, 1000)
	require.NoError(t, err)

	declined, err := p.Tokenize(ctx, card(CardDeclined), payment.BillingDetails{})
	require.NoError(t, err)
	conf, err := p.Confirm(ctx, h, declined)
	require.NoError(t, err)
	assert.Equal(t, payment.TerminalFailed, conf.Status)
	assert.Equal(t, "Your card was declined.", conf.Message)

	// Same handle, different card.
	action, err := p.Tokenize(ctx, card(CardRequiresAction), payment.BillingDetails{})
	require.NoError(t, err)
	conf, err = p.Confirm(ctx, h, action)
	require.NoError(t, err)
	assert.Equal(t, payment.TerminalRequiresAction, conf.Status)

	ok, err := p.Tokenize(ctx, card(CardSuccess), payment.BillingDetails{})
	require.NoError(t, err)
	conf, err = p.Confirm(ctx, h, ok)
	require.NoError(t, err)
	assert.Equal(t, payment.TerminalSucceeded, conf.Status)

	_, err = p.Confirm(ctx, h, ok)
	assert.ErrorIs(t, err, payment.ErrProcessorUnavailable, "captured intents cannot be confirmed twice")
	assert.Equal(t, 4, p.ConfirmCalls(h.IntentID))
}

func TestProcessor_CreateIntentKeepsShippingMetadata(t *testing.T) {
	info := shipping.Info{Name: "Test User", Address: "123 Test St", City: "Test City", State: "TS", PostalCode: "12345", Country: "US"}
	in, err := New().CreateIntent(context.Background(), payment.IntentRequest{Amount: 2500, Shipping: &info})
	require.NoError(t, err)
	assert.Equal(t, "Test User", in.Metadata[shipping.MetaName])
	assert.Equal(t, "12345", in.Metadata[shipping.MetaPostalCode])
	assert.Equal(t, payment.StatusRequiresPaymentMethod, in.Status)
}

func TestProcessor_RejectsOutOfBoundsAmount(t *testing.T) {
	_, err := New().RequestIntent(context.Background(), 50)
	assert.ErrorIs(t, err, payment.ErrIntentRequestFailed)
}

func TestProcessor_HookTimeout(t *testing.T) {
	p := New()
	p.Hooks.BeforeTokenize = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Tokenize(ctx, card(CardSuccess), payment.BillingDetails{})
	assert.ErrorIs(t, err, payment.ErrRequestTimedOut)
}
