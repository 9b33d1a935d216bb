// Package stripepay adapts the Stripe API to the payment interfaces.
package stripepay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/StuartGrossman/physical-btc/pkg/finance"
	"github.com/StuartGrossman/physical-btc/pkg/payment"
)

// Config selects the credentials and endpoint for the adapter.
type Config struct {
	// Key is a secret key (sk_...) on the backend or a publishable key
	// (pk_...) on the buyer's side.
	Key string
	// BackendURL overrides https://api.stripe.com, e.g. for stripe-mock.
	BackendURL string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Processor implements payment.Processor on top of the Stripe API.
type Processor struct {
	api         *client.API
	publishable bool
	logger      *slog.Logger
}

var _ payment.Processor = (*Processor)(nil)

// New returns a Processor. Network retries are disabled: the orchestrator
// owns retry decisions and a retried confirmation must never double charge.
func New(cfg Config) (*Processor, error) {
	if cfg.Key == "" {
		return nil, errors.New("stripepay: API key is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "stripepay")
	}

	bc := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     leveledLogger{logger},
	}
	if cfg.BackendURL != "" {
		bc.URL = stripe.String(strings.TrimRight(cfg.BackendURL, "/"))
	}
	if cfg.HTTPClient != nil {
		bc.HTTPClient = cfg.HTTPClient
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)

	return &Processor{
		api: client.New(cfg.Key, &stripe.Backends{
			API:     backend,
			Connect: backend,
			Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, bc),
		}),
		publishable: strings.HasPrefix(cfg.Key, "pk_"),
		logger:      logger,
	}, nil
}

// CreateIntent opens a USD payment intent. The shipping destination rides
// along as metadata so the webhook can build the record without the client.
func (p *Processor) CreateIntent(ctx context.Context, req payment.IntentRequest) (payment.Intent, error) {
	if err := req.Amount.Validate(); err != nil {
		return payment.Intent{}, err
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(req.Amount)),
		Currency: stripe.String(finance.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.Shipping != nil {
		for k, v := range req.Shipping.Metadata() {
			params.AddMetadata(k, v)
		}
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return payment.Intent{}, p.processorError("create intent", err)
	}
	p.logger.InfoContext(ctx, "payment intent created", "intent_id", pi.ID, "amount", pi.Amount)
	return toIntent(pi), nil
}

// Tokenize creates a card PaymentMethod. Card errors come back as
// *payment.CardRejectedError carrying Stripe's message.
func (p *Processor) Tokenize(ctx context.Context, card payment.CardInput, billing payment.BillingDetails) (payment.MethodRef, error) {
	params := &stripe.PaymentMethodParams{
		Type: stripe.String(string(stripe.PaymentMethodTypeCard)),
		Card: &stripe.PaymentMethodCardParams{
			Number:   stripe.String(card.Digits()),
			ExpMonth: stripe.Int64(int64(card.ExpMonth)),
			ExpYear:  stripe.Int64(int64(card.ExpYear)),
			CVC:      stripe.String(card.CVC),
		},
		BillingDetails: billingParams(billing),
	}
	params.Context = ctx

	pm, err := p.api.PaymentMethods.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			return payment.MethodRef{}, &payment.CardRejectedError{Reason: se.Msg, Code: string(se.Code)}
		}
		return payment.MethodRef{}, p.processorError("tokenize", err)
	}
	ref := payment.MethodRef{ID: pm.ID}
	if pm.Card != nil {
		ref.Brand = string(pm.Card.Brand)
		ref.Last4 = pm.Card.Last4
	}
	return ref, nil
}

// Confirm confirms the intent with the payment method. A decline is a
// failed Confirmation, not an error.
func (p *Processor) Confirm(ctx context.Context, handle payment.IntentHandle, method payment.MethodRef) (payment.Confirmation, error) {
	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(method.ID),
	}
	params.Context = ctx
	if p.publishable {
		params.AddExtra("client_secret", handle.ClientSecret)
	}

	pi, err := p.api.PaymentIntents.Confirm(handle.IntentID, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			conf := payment.Confirmation{
				IntentID:        handle.IntentID,
				Amount:          handle.Amount,
				Status:          payment.TerminalFailed,
				ProcessorStatus: payment.StatusRequiresPaymentMethod,
				Message:         se.Msg,
			}
			if se.PaymentIntent != nil {
				conf.ProcessorStatus = payment.Status(se.PaymentIntent.Status)
			}
			return conf, nil
		}
		return payment.Confirmation{}, p.processorError("confirm", err)
	}

	status := payment.Status(pi.Status)
	conf := payment.Confirmation{
		IntentID:        pi.ID,
		Amount:          finance.Amount(pi.Amount),
		Status:          status.Terminal(),
		ProcessorStatus: status,
	}
	if pi.LastPaymentError != nil {
		conf.Message = pi.LastPaymentError.Msg
	}
	if conf.Status == payment.TerminalRequiresAction && conf.Message == "" {
		conf.Message = "This payment requires additional authentication."
	}
	return conf, nil
}

func (p *Processor) processorError(op string, err error) error {
	if wrapped := payment.WrapTimeout(err); errors.Is(wrapped, payment.ErrRequestTimedOut) {
		return wrapped
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		p.logger.Warn("stripe request failed", "op", op, "type", se.Type, "code", se.Code, "status", se.HTTPStatusCode)
		return fmt.Errorf("%w: %s: %s", payment.ErrProcessorUnavailable, op, se.Msg)
	}
	return fmt.Errorf("%w: %s: %v", payment.ErrProcessorUnavailable, op, err)
}

func billingParams(b payment.BillingDetails) *stripe.PaymentMethodBillingDetailsParams {
	params := &stripe.PaymentMethodBillingDetailsParams{
		Address: &stripe.AddressParams{},
	}
	if b.Email != "" {
		params.Email = stripe.String(b.Email)
	}
	if b.Name != "" {
		params.Name = stripe.String(b.Name)
	}
	if b.Line1 != "" {
		params.Address.Line1 = stripe.String(b.Line1)
	}
	if b.City != "" {
		params.Address.City = stripe.String(b.City)
	}
	if b.State != "" {
		params.Address.State = stripe.String(b.State)
	}
	if b.PostalCode != "" {
		params.Address.PostalCode = stripe.String(b.PostalCode)
	}
	if b.Country != "" {
		params.Address.Country = stripe.String(b.Country)
	}
	return params
}

func toIntent(pi *stripe.PaymentIntent) payment.Intent {
	meta := make(map[string]string, len(pi.Metadata))
	for k, v := range pi.Metadata {
		meta[k] = v
	}
	return payment.Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       finance.Amount(pi.Amount),
		Status:       payment.Status(pi.Status),
		Metadata:     meta,
	}
}

// leveledLogger routes stripe-go's logging into slog.
type leveledLogger struct {
	l *slog.Logger
}

func (l leveledLogger) Debugf(format string, v ...interface{}) {
	l.l.Debug(fmt.Sprintf(format, v...))
}

func (l leveledLogger) Infof(format string, v ...interface{}) {
	l.l.Debug(fmt.Sprintf(format, v...))
}

func (l leveledLogger) Warnf(format string, v ...interface{}) {
	l.l.Warn(fmt.Sprintf(format, v...))
}

func (l leveledLogger) Errorf(format string, v ...interface{}) {
	l.l.Error(fmt.Sprintf(format, v...))
}
