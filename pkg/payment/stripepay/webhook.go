package stripepay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/StuartGrossman/physical-btc/pkg/payment"
)

// EventPaymentIntentSucceeded is the only event type the backend acts on.
const EventPaymentIntentSucceeded = "payment_intent.succeeded"

var (
	ErrWebhookSecretMissing = errors.New("webhook secret not configured")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
)

// Event is a verified webhook event. Intent is set for payment_intent.*
// events.
type Event struct {
	ID     string
	Type   string
	Intent *payment.Intent
}

// WebhookVerifier checks the Stripe-Signature header of webhook deliveries.
type WebhookVerifier struct {
	secret string
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

// Verify authenticates payload against the signature header and decodes it.
func (v *WebhookVerifier) Verify(payload []byte, signature string) (Event, error) {
	if v == nil || v.secret == "" {
		return Event{}, ErrWebhookSecretMissing
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{ID: evt.ID, Type: string(evt.Type)}
	if evt.Data != nil && len(evt.Data.Raw) > 0 && isIntentEvent(out.Type) {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return Event{}, fmt.Errorf("decode payment intent: %w", err)
		}
		intent := toIntent(&pi)
		out.Intent = &intent
	}
	return out, nil
}

func isIntentEvent(t string) bool {
	return strings.HasPrefix(t, "payment_intent.")
}
