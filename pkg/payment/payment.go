// Package payment defines the processor-facing side of the checkout: intent
// handles, card input, tokenized payment methods, and the narrow interfaces
// the orchestrator calls to authorize and capture a charge.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/StuartGrossman/physical-btc/pkg/finance"
	"github.com/StuartGrossman/physical-btc/pkg/shipping"
)

// Status is the processor's payment intent status.
type Status string

const (
	StatusRequiresPaymentMethod Status = "requires_payment_method"
	StatusRequiresConfirmation  Status = "requires_confirmation"
	StatusRequiresAction        Status = "requires_action"
	StatusRequiresCapture       Status = "requires_capture"
	StatusProcessing            Status = "processing"
	StatusSucceeded             Status = "succeeded"
	StatusCanceled              Status = "canceled"
)

// TerminalStatus is the outcome of a confirmation attempt as the checkout
// sees it.
type TerminalStatus string

const (
	TerminalSucceeded      TerminalStatus = "succeeded"
	TerminalRequiresAction TerminalStatus = "requires_action"
	TerminalFailed         TerminalStatus = "failed"
)

// Terminal folds a processor status into a TerminalStatus. Anything that is
// neither captured nor waiting on the buyer counts as failed.
func (s Status) Terminal() TerminalStatus {
	switch s {
	case StatusSucceeded:
		return TerminalSucceeded
	case StatusRequiresAction:
		return TerminalRequiresAction
	default:
		return TerminalFailed
	}
}

const secretMarker = "_secret_"

// IntentHandle authorizes a single payment attempt for a fixed amount.
type IntentHandle struct {
	ClientSecret string
	IntentID     string
	Amount       finance.Amount
}

// NewIntentHandle builds a handle from a client secret of the form
// "pi_<id>_secret_<token>".
func NewIntentHandle(clientSecret string, amount finance.Amount) (IntentHandle, error) {
	id, _, ok := strings.Cut(clientSecret, secretMarker)
	if !ok || id == "" {
		return IntentHandle{}, fmt.Errorf("%w: client secret has no intent id", ErrIntentRequestFailed)
	}
	return IntentHandle{ClientSecret: clientSecret, IntentID: id, Amount: amount}, nil
}

// LogValue keeps the client secret out of logs.
func (h IntentHandle) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("intent_id", h.IntentID),
		slog.Int64("amount", int64(h.Amount)),
	)
}

// CardInput is raw card data as typed by the buyer. It is only ever handed to
// a Tokenizer and never persisted or logged.
type CardInput struct {
	Number   string
	ExpMonth int
	ExpYear  int
	CVC      string
}

// Digits returns the card number without spaces or dashes.
func (c CardInput) Digits() string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, c.Number)
}

func (c CardInput) String() string {
	return "card(redacted)"
}

// LogValue replaces the card with its last four digits.
func (c CardInput) LogValue() slog.Value {
	d := c.Digits()
	if len(d) > 4 {
		d = d[len(d)-4:]
	}
	return slog.StringValue("card ending " + d)
}

// BillingDetails travel with the card to the processor.
type BillingDetails struct {
	Email      string
	Name       string
	Line1      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// BillingFromShipping copies the shipping destination into billing details.
func BillingFromShipping(info shipping.Info) BillingDetails {
	return BillingDetails{
		Email:      info.Email,
		Name:       info.Name,
		Line1:      info.Address,
		City:       info.City,
		State:      info.State,
		PostalCode: info.PostalCode,
		Country:    info.Country,
	}
}

// MethodRef is a tokenized card: the processor's opaque identifier plus a
// display-safe summary.
type MethodRef struct {
	ID    string
	Brand string
	Last4 string
}

// Masked renders the card summary, e.g. "•••• •••• •••• 4242".
func (m MethodRef) Masked() string {
	return "•••• •••• •••• " + m.Last4
}

// Confirmation is the processor's answer to a capture attempt.
type Confirmation struct {
	IntentID        string
	Amount          finance.Amount
	Status          TerminalStatus
	ProcessorStatus Status
	// Message is the processor's explanation when Status is not succeeded.
	Message string
}

// IntentRequester obtains a fresh intent handle for an amount.
type IntentRequester interface {
	RequestIntent(ctx context.Context, amount finance.Amount) (IntentHandle, error)
}

// Tokenizer exchanges raw card input for a reusable payment method reference.
type Tokenizer interface {
	Tokenize(ctx context.Context, card CardInput, billing BillingDetails) (MethodRef, error)
}

// Confirmer captures funds for an intent with a tokenized payment method.
type Confirmer interface {
	Confirm(ctx context.Context, handle IntentHandle, method MethodRef) (Confirmation, error)
}

// IntentRequest is the server-side request to open a payment intent.
type IntentRequest struct {
	Amount   finance.Amount
	Shipping *shipping.Info
}

// Intent is a processor payment intent as seen by the backend.
type Intent struct {
	ID           string
	ClientSecret string
	Amount       finance.Amount
	Status       Status
	Metadata     map[string]string
}

// IntentIssuer creates payment intents. It runs on the backend with the
// processor's secret credentials.
type IntentIssuer interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
}

// Processor is everything a payment processor adapter provides.
type Processor interface {
	IntentIssuer
	Tokenizer
	Confirmer
}
