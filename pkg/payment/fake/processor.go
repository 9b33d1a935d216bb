// Package fake is an in-memory payment processor with the behavior of the
// processor's test mode. It backs development mode and the test suites.
package fake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/StuartGrossman/physical-btc/pkg/finance"
	"github.com/StuartGrossman/physical-btc/pkg/payment"
)

// Test card numbers understood by the fake.
const (
	CardSuccess        = "4242424242424242"
	CardDeclined       = "4000000000000002"
	CardRequiresAction = "4000002500003155"
	CardIncorrectCVC   = "4000000000000127"
)

// Hooks let tests intercept calls before the fake handles them. A hook that
// returns an error aborts the call with that error.
type Hooks struct {
	BeforeIntent   func(ctx context.Context) error
	BeforeTokenize func(ctx context.Context) error
	BeforeConfirm  func(ctx context.Context) error
}

type intent struct {
	id       string
	secret   string
	amount   finance.Amount
	status   payment.Status
	metadata map[string]string
	confirms int
}

// Processor implements payment.Processor and payment.IntentRequester.
type Processor struct {
	Hooks Hooks
	Now   func() time.Time

	mu      sync.Mutex
	seq     int
	intents map[string]*intent
	methods map[string]string // payment method id -> card number
}

// New returns an empty fake processor.
func New() *Processor {
	return &Processor{
		Now:     time.Now,
		intents: make(map[string]*intent),
		methods: make(map[string]string),
	}
}

// CreateIntent opens an intent the way the backend would.
func (p *Processor) CreateIntent(ctx context.Context, req payment.IntentRequest) (payment.Intent, error) {
	if err := run(ctx, p.Hooks.BeforeIntent); err != nil {
		return payment.Intent{}, err
	}
	if err := req.Amount.Validate(); err != nil {
		return payment.Intent{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("pi_fake_%d", p.seq)
	in := &intent{
		id:       id,
		secret:   id + "_secret_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		amount:   req.Amount,
		status:   payment.StatusRequiresPaymentMethod,
		metadata: map[string]string{},
	}
	if req.Shipping != nil {
		in.metadata = req.Shipping.Metadata()
	}
	p.intents[id] = in
	return in.snapshot(), nil
}

// RequestIntent lets the fake stand in for the backend endpoint as well.
func (p *Processor) RequestIntent(ctx context.Context, amount finance.Amount) (payment.IntentHandle, error) {
	in, err := p.CreateIntent(ctx, payment.IntentRequest{Amount: amount})
	if err != nil {
		if errors.Is(err, payment.ErrRequestTimedOut) {
			return payment.IntentHandle{}, err
		}
		return payment.IntentHandle{}, fmt.Errorf("%w: %v", payment.ErrIntentRequestFailed, err)
	}
	return payment.NewIntentHandle(in.ClientSecret, amount)
}

// Tokenize validates the card and issues a payment method id.
func (p *Processor) Tokenize(ctx context.Context, card payment.CardInput, _ payment.BillingDetails) (payment.MethodRef, error) {
	if err := run(ctx, p.Hooks.BeforeTokenize); err != nil {
		return payment.MethodRef{}, err
	}
	number := card.Digits()
	if err := p.checkCard(number, card); err != nil {
		return payment.MethodRef{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("pm_fake_%d", p.seq)
	p.methods[id] = number
	return payment.MethodRef{ID: id, Brand: brand(number), Last4: number[len(number)-4:]}, nil
}

func (p *Processor) checkCard(number string, card payment.CardInput) error {
	if len(number) < 12 || len(number) > 19 || !luhn(number) {
		return &payment.CardRejectedError{Reason: "Your card number is incorrect.", Code: "incorrect_number"}
	}
	now := p.Now()
	if card.ExpMonth < 1 || card.ExpMonth > 12 {
		return &payment.CardRejectedError{Reason: "Your card's expiration month is invalid.", Code: "invalid_expiry_month"}
	}
	if card.ExpYear < now.Year() || (card.ExpYear == now.Year() && card.ExpMonth < int(now.Month())) {
		return &payment.CardRejectedError{Reason: "Your card has expired.", Code: "expired_card"}
	}
	if len(card.CVC) < 3 || len(card.CVC) > 4 || strings.Trim(card.CVC, "0123456789") != "" || number == CardIncorrectCVC {
		return &payment.CardRejectedError{Reason: "Your card's security code is incorrect.", Code: "incorrect_cvc"}
	}
	return nil
}

// Confirm captures the intent. Declines come back as a failed Confirmation,
// not as an error.
func (p *Processor) Confirm(ctx context.Context, handle payment.IntentHandle, method payment.MethodRef) (payment.Confirmation, error) {
	if err := run(ctx, p.Hooks.BeforeConfirm); err != nil {
		return payment.Confirmation{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.intents[handle.IntentID]
	if !ok || in.secret != handle.ClientSecret {
		return payment.Confirmation{}, fmt.Errorf("%w: no such payment intent: %s", payment.ErrProcessorUnavailable, handle.IntentID)
	}
	number, ok := p.methods[method.ID]
	if !ok {
		return payment.Confirmation{}, fmt.Errorf("%w: no such payment method: %s", payment.ErrProcessorUnavailable, method.ID)
	}
	in.confirms++

	if in.status == payment.StatusSucceeded {
		return payment.Confirmation{}, fmt.Errorf("%w: payment intent %s has already succeeded", payment.ErrProcessorUnavailable, in.id)
	}

	conf := payment.Confirmation{IntentID: in.id, Amount: in.amount}
	switch number {
	case CardDeclined:
		in.status = payment.StatusRequiresPaymentMethod
		conf.Message = "Your card was declined."
	case CardRequiresAction:
		in.status = payment.StatusRequiresAction
		conf.Message = "This payment requires additional authentication."
	default:
		in.status = payment.StatusSucceeded
	}
	conf.ProcessorStatus = in.status
	conf.Status = in.status.Terminal()
	return conf, nil
}

// ConfirmCalls reports how many confirmation requests reached the intent.
func (p *Processor) ConfirmCalls(intentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if in, ok := p.intents[intentID]; ok {
		return in.confirms
	}
	return 0
}

// Intent returns the current state of an intent.
func (p *Processor) Intent(intentID string) (payment.Intent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.intents[intentID]
	if !ok {
		return payment.Intent{}, false
	}
	return in.snapshot(), true
}

// IntentCount reports how many intents have been created.
func (p *Processor) IntentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.intents)
}

func (in *intent) snapshot() payment.Intent {
	meta := make(map[string]string, len(in.metadata))
	for k, v := range in.metadata {
		meta[k] = v
	}
	return payment.Intent{
		ID:           in.id,
		ClientSecret: in.secret,
		Amount:       in.amount,
		Status:       in.status,
		Metadata:     meta,
	}
}

func run(ctx context.Context, hook func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return payment.WrapTimeout(err)
	}
	if hook == nil {
		return nil
	}
	return payment.WrapTimeout(hook(ctx))
}

func luhn(number string) bool {
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func brand(number string) string {
	switch {
	case strings.HasPrefix(number, "4"):
		return "visa"
	case strings.HasPrefix(number, "5"):
		return "mastercard"
	case strings.HasPrefix(number, "34"), strings.HasPrefix(number, "37"):
		return "amex"
	default:
		return "unknown"
	}
}
