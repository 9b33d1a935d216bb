package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/StuartGrossman/physical-btc/pkg/finance"
	"github.com/StuartGrossman/physical-btc/pkg/observability"
	"github.com/StuartGrossman/physical-btc/pkg/payment"
	"github.com/StuartGrossman/physical-btc/pkg/payment/stripepay"
	"github.com/StuartGrossman/physical-btc/pkg/shipping"
	"github.com/StuartGrossman/physical-btc/pkg/store"
)

// Routes served by the backend.
const (
	PathCreateIntent  = "/create-payment-intent"
	PathWebhook       = "/webhook"
	PathHealth        = "/healthz"
	PathAmountOptions = "/amount-options"
	PathTransactions  = "/transactions"
)

const maxBodyBytes = 64 << 10

const createIntentSchemaURL = "mem://checkout/create-payment-intent.json"

const createIntentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["amount"],
  "additionalProperties": false,
  "properties": {
    "amount": {"type": "integer"},
    "shipping": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "email": {"type": "string"},
        "name": {"type": "string"},
        "address": {"type": "string"},
        "city": {"type": "string"},
        "state": {"type": "string"},
        "zipCode": {"type": "string"},
        "country": {"type": "string"}
      }
    }
  }
}`

// Config wires the backend's collaborators.
type Config struct {
	Issuer   payment.IntentIssuer
	Recorder store.Recorder
	// Webhook may be nil, in which case deliveries are refused.
	Webhook *stripepay.WebhookVerifier
	Presets []finance.Preset
	// Limiter may be nil to disable rate limiting.
	Limiter LimiterStore
	// Idempotency may be nil to ignore Idempotency-Key headers.
	Idempotency    IdempotencyStore
	AllowedOrigins []string
	RequestTimeout time.Duration
	// Operators may be nil to leave the transaction lookup unmounted.
	Operators *TokenValidator
	Telemetry *observability.Provider
	Now       func() time.Time
}

// Server is the payment backend.
type Server struct {
	cfg    Config
	schema *jsonschema.Schema
	logger *slog.Logger
}

type createIntentRequest struct {
	Amount   int64          `json:"amount"`
	Shipping *shipping.Info `json:"shipping,omitempty"`
}

type createIntentResponse struct {
	ClientSecret string `json:"clientSecret"`
	ID           string `json:"id"`
}

type amountOptionsResponse struct {
	Presets  []finance.Preset `json:"presets"`
	Min      finance.Amount   `json:"min"`
	Max      finance.Amount   `json:"max"`
	Currency string           `json:"currency"`
}

type webhookResponse struct {
	Status   string `json:"status"`
	RecordID string `json:"recordId,omitempty"`
}

// NewServer validates cfg and compiles the request schema.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Issuer == nil {
		return nil, errors.New("api: intent issuer is required")
	}
	if cfg.Recorder == nil {
		return nil, errors.New("api: recorder is required")
	}
	if len(cfg.Presets) == 0 {
		cfg.Presets = finance.DefaultPresets()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = observability.Disabled()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(createIntentSchemaURL, strings.NewReader(createIntentSchema)); err != nil {
		return nil, fmt.Errorf("api: add schema: %w", err)
	}
	schema, err := c.Compile(createIntentSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("api: compile schema: %w", err)
	}

	return &Server{
		cfg:    cfg,
		schema: schema,
		logger: slog.Default().With("component", "api"),
	}, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(CORS(s.cfg.AllowedOrigins))

	r.Get(PathHealth, s.handleHealth)
	r.Get(PathAmountOptions, s.handleAmountOptions)
	r.Group(func(r chi.Router) {
		if s.cfg.Limiter != nil {
			r.Use(RateLimitMiddleware(s.cfg.Limiter))
		}
		if s.cfg.Idempotency != nil {
			r.Use(IdempotencyMiddleware(s.cfg.Idempotency))
		}
		r.Post(PathCreateIntent, s.handleCreateIntent)
	})
	r.Post(PathWebhook, s.handleWebhook)

	if reader, ok := s.cfg.Recorder.(store.Reader); ok && s.cfg.Operators != nil {
		r.With(RequireScope(s.cfg.Operators, ScopeReadTransactions)).
			Get(PathTransactions+"/{paymentIntentID}", s.handleGetTransaction(reader))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAmountOptions(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, amountOptionsResponse{
		Presets:  s.cfg.Presets,
		Min:      finance.MinAmount,
		Max:      finance.MaxAmount,
		Currency: finance.Currency,
	})
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, r, "Request body is too large")
		return
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		WriteBadRequest(w, r, "Request body must be JSON")
		return
	}
	if err := s.schema.Validate(doc); err != nil {
		WriteBadRequest(w, r, "Request does not match schema: "+schemaMessage(err))
		return
	}

	var req createIntentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, r, "Request body must be JSON")
		return
	}
	amount := finance.Amount(req.Amount)
	if err := amount.Validate(); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	ctx := r.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	ctx, done := s.cfg.Telemetry.TrackOperation(ctx, "api.create_intent", attribute.Int64("amount", int64(amount)))
	intent, err := s.cfg.Issuer.CreateIntent(ctx, payment.IntentRequest{Amount: amount, Shipping: req.Shipping})
	done(err)
	if err != nil {
		if errors.Is(err, payment.ErrRequestTimedOut) {
			WriteErrorR(w, r, http.StatusGatewayTimeout, "The payment processor did not respond in time.")
			return
		}
		WriteBadGateway(w, r, err)
		return
	}

	s.logger.InfoContext(ctx, "payment intent created", "intent_id", intent.ID, "amount", int64(amount))
	WriteJSON(w, http.StatusOK, createIntentResponse{ClientSecret: intent.ClientSecret, ID: intent.ID})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, r, "Request body is too large")
		return
	}
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		WriteBadRequest(w, r, "Missing Stripe signature")
		return
	}

	evt, err := s.cfg.Webhook.Verify(payload, signature)
	switch {
	case errors.Is(err, stripepay.ErrWebhookSecretMissing):
		s.logger.ErrorContext(r.Context(), "webhook delivery refused", "error", err)
		WriteBadRequest(w, r, "Webhook secret not configured")
		return
	case errors.Is(err, stripepay.ErrInvalidSignature):
		s.logger.WarnContext(r.Context(), "webhook signature rejected", "error", err)
		WriteBadRequest(w, r, "Invalid signature")
		return
	case err != nil:
		WriteBadRequest(w, r, "Malformed event")
		return
	}

	if evt.Type != stripepay.EventPaymentIntentSucceeded || evt.Intent == nil {
		s.logger.InfoContext(r.Context(), "webhook event ignored", "event_id", evt.ID, "type", evt.Type)
		WriteJSON(w, http.StatusOK, webhookResponse{Status: "ignored"})
		return
	}

	intent := evt.Intent
	// Without shipping metadata the checkout writes the record itself.
	info := shipping.FromMetadata(intent.Metadata)
	if !shipping.IsComplete(info) {
		s.logger.InfoContext(r.Context(), "webhook payment left to checkout", "event_id", evt.ID, "intent_id", intent.ID)
		WriteJSON(w, http.StatusOK, webhookResponse{Status: "ignored"})
		return
	}
	rec := store.TransactionRecord{
		PaymentIntentID: intent.ID,
		Amount:          intent.Amount,
		Currency:        finance.Currency,
		Status:          intent.Status.Terminal(),
		ShippingInfo:    info,
		Source:          store.SourceWebhook,
		Timestamp:       store.FormatTimestamp(s.cfg.Now()),
	}

	ctx, done := s.cfg.Telemetry.TrackOperation(r.Context(), "api.record_webhook", attribute.String("intent_id", intent.ID))
	id, err := s.cfg.Recorder.Record(ctx, rec)
	done(err)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		s.logger.InfoContext(ctx, "payment already recorded", "intent_id", intent.ID)
		WriteJSON(w, http.StatusOK, webhookResponse{Status: "duplicate"})
	case errors.Is(err, store.ErrInvalid):
		WriteBadRequest(w, r, err.Error())
	case err != nil:
		WriteInternal(w, r, err)
	default:
		s.logger.InfoContext(ctx, "payment recorded", "intent_id", intent.ID, "record_id", id)
		WriteJSON(w, http.StatusOK, webhookResponse{Status: "success", RecordID: string(id)})
	}
}

func (s *Server) handleGetTransaction(reader store.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "paymentIntentID")
		rec, err := reader.Get(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			WriteErrorR(w, r, http.StatusNotFound, "No transaction for "+id)
		case err != nil:
			WriteInternal(w, r, err)
		default:
			WriteJSON(w, http.StatusOK, rec)
		}
	}
}

// logRequests emits one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.DebugContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return loc + ": " + leaf.Message
	}
	return err.Error()
}
