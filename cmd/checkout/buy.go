package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/StuartGrossman/physical-btc/pkg/checkout"
	"github.com/StuartGrossman/physical-btc/pkg/config"
	"github.com/StuartGrossman/physical-btc/pkg/payment"
	"github.com/StuartGrossman/physical-btc/pkg/payment/fake"
	"github.com/StuartGrossman/physical-btc/pkg/payment/intentclient"
	"github.com/StuartGrossman/physical-btc/pkg/payment/stripepay"
	"github.com/StuartGrossman/physical-btc/pkg/shipping"
	"github.com/StuartGrossman/physical-btc/pkg/store"
)

type buyFlags struct {
	amount  string
	backend string
	local   bool
	card    string
	expiry  string
	cvc     string
	info    shipping.Info
}

// runBuyCmd drives one checkout from flags.
//
// Exit codes:
//
//	0 = payment succeeded
//	1 = payment did not succeed
//	2 = usage or configuration error
func runBuyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("buy", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var f buyFlags
	cmd.StringVar(&f.amount, "amount", "25.00", "Amount in dollars")
	cmd.StringVar(&f.backend, "backend", "", "Backend base URL (defaults to CHECKOUT_BACKEND_URL)")
	cmd.BoolVar(&f.local, "local", false, "Run against an in-process backend and the fake processor")
	cmd.StringVar(&f.card, "card", fake.CardSuccess, "Card number")
	cmd.StringVar(&f.expiry, "exp", "12/34", "Card expiry as MM/YY")
	cmd.StringVar(&f.cvc, "cvc", "123", "Card security code")
	cmd.StringVar(&f.info.Email, "email", "", "Shipping email")
	cmd.StringVar(&f.info.Name, "name", "", "Shipping full name")
	cmd.StringVar(&f.info.Address, "address", "", "Shipping street address")
	cmd.StringVar(&f.info.City, "city", "", "Shipping city")
	cmd.StringVar(&f.info.State, "state", "", "Shipping state")
	cmd.StringVar(&f.info.PostalCode, "zip", "", "Shipping ZIP code")
	cmd.StringVar(&f.info.Country, "country", "US", "Shipping country")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	card, err := parseCard(f.card, f.expiry, f.cvc)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	cfg, err := config.LoadClient()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(newLogger(stderr, cfg.LogLevel))
	if f.backend != "" {
		cfg.BackendURL = f.backend
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := buyEnvironment(ctx, cfg, f.local)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer env.close()

	return buy(ctx, cfg, env, f, card, stdout, stderr)
}

// buyEnv is the client side of a checkout plus whatever it had to start.
type buyEnv struct {
	deps    checkout.Deps
	backend *backend
	close   func()
}

func buyEnvironment(ctx context.Context, cfg *config.Config, local bool) (*buyEnv, error) {
	if local {
		return localEnvironment(ctx, cfg)
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, fmt.Errorf("%w; use -local for the fake processor", err)
	}
	proc, err := stripepay.New(stripepay.Config{Key: cfg.Stripe.PublishableKey, BackendURL: cfg.Stripe.BackendURL})
	if err != nil {
		return nil, err
	}
	b, err := openBackend(ctx, cfg, proc)
	if err != nil {
		return nil, err
	}
	return &buyEnv{
		deps: checkout.Deps{
			Intents:   intentclient.New(intentclient.Config{BaseURL: cfg.BackendURL, Timeout: cfg.RequestTimeout}),
			Tokenizer: proc,
			Confirmer: proc,
			Recorder:  b.recorder,
		},
		backend: b,
		close:   func() { b.close(context.Background()) },
	}, nil
}

// localEnvironment serves the API on a loopback port backed by a fake
// processor that also tokenizes and confirms.
func localEnvironment(ctx context.Context, cfg *config.Config) (*buyEnv, error) {
	proc := fake.New()
	b, err := openBackend(ctx, cfg, proc)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.close(ctx)
		return nil, err
	}

	srvCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := serveBackend(srvCtx, cfg, ln, b); err != nil {
			slog.Error("local backend stopped", "error", err)
		}
	}()

	return &buyEnv{
		deps: checkout.Deps{
			Intents:   intentclient.New(intentclient.Config{BaseURL: "http://" + ln.Addr().String(), Timeout: cfg.RequestTimeout}),
			Tokenizer: proc,
			Confirmer: proc,
			Recorder:  b.recorder,
		},
		backend: b,
		close: func() {
			stop()
			<-done
			b.close(context.Background())
		},
	}, nil
}

func buy(ctx context.Context, cfg *config.Config, env *buyEnv, f buyFlags, card payment.CardInput, stdout, stderr io.Writer) int {
	o, err := checkout.New(env.deps,
		checkout.WithTimeout(cfg.RequestTimeout),
		checkout.WithRecordTimeout(cfg.RecordTimeout),
		checkout.WithInstrumenter(env.backend.telemetry),
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"amount", func() error { return o.EnterAmount(f.amount) }},
		{"amount", o.SubmitAmount},
		{"shipping", func() error { return o.SetShipping(f.info) }},
		{"shipping", func() error { return o.SubmitShipping(ctx) }},
		{"payment", func() error { return o.SubmitCard(ctx, card) }},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			_, _ = fmt.Fprintf(stderr, "%s: %v\n", s.name, err)
			return 1
		}
	}

	st := o.State()
	_, _ = fmt.Fprintf(stdout, "Amount:  %s\n", st.Amount)
	_, _ = fmt.Fprintf(stdout, "Card:    %s\n", st.Card())

	status, err := o.Confirm(ctx)
	o.Wait()
	st = o.State()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "confirmation: %v\n", err)
		return 1
	}
	if status != payment.TerminalSucceeded {
		_, _ = fmt.Fprintf(stderr, "payment %s: %s\n", status, st.Error)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "Status:  %s\n", status)
	_, _ = fmt.Fprintf(stdout, "Intent:  %s\n", st.Intent.IntentID)
	if st.RecordID == "" {
		_, _ = fmt.Fprintln(stdout, "Record:  not saved (see logs)")
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Record:  %s\n", st.RecordID)

	if reader, ok := env.deps.Recorder.(store.Reader); ok {
		rec, err := reader.Get(ctx, st.Intent.IntentID)
		if err != nil {
			slog.Warn("record lookup failed", "error", err)
			return 0
		}
		_, _ = fmt.Fprintf(stdout, "Saved:   %s (%s)\n", rec.Timestamp, rec.Source)
	}
	return 0
}

func parseCard(number, expiry, cvc string) (payment.CardInput, error) {
	month, year, ok := strings.Cut(strings.TrimSpace(expiry), "/")
	if !ok {
		return payment.CardInput{}, fmt.Errorf("expiry %q must be MM/YY", expiry)
	}
	m, err := strconv.Atoi(month)
	if err != nil {
		return payment.CardInput{}, fmt.Errorf("expiry month %q: %w", month, err)
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return payment.CardInput{}, fmt.Errorf("expiry year %q: %w", year, err)
	}
	if len(year) <= 2 {
		y += 2000
	}
	return payment.CardInput{Number: number, ExpMonth: m, ExpYear: y, CVC: cvc}, nil
}
