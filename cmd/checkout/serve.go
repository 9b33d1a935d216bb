package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/StuartGrossman/physical-btc/pkg/api"
	"github.com/StuartGrossman/physical-btc/pkg/config"
	"github.com/StuartGrossman/physical-btc/pkg/observability"
	"github.com/StuartGrossman/physical-btc/pkg/payment"
	"github.com/StuartGrossman/physical-btc/pkg/payment/fake"
	"github.com/StuartGrossman/physical-btc/pkg/payment/stripepay"
	"github.com/StuartGrossman/physical-btc/pkg/store"
)

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "", "Listen address (overrides CHECKOUT_LISTEN_ADDR)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	slog.SetDefault(newLogger(stderr, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: listen %s: %v\n", cfg.ListenAddr, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "checkout backend listening on %s\n", ln.Addr())

	if err := serve(ctx, cfg, ln, nil); err != nil {
		slog.Error("server stopped", "error", err)
		return 1
	}
	return 0
}

// backend holds everything serve opens, so buy -local can share it.
type backend struct {
	processor payment.Processor
	recorder  store.Recorder
	telemetry *observability.Provider
	closers   []func(context.Context) error
}

func (b *backend) close(ctx context.Context) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			slog.Warn("shutdown step failed", "error", err)
		}
	}
}

func openBackend(ctx context.Context, cfg *config.Config, proc payment.Processor) (*backend, error) {
	b := &backend{processor: proc}

	tel := observability.Disabled()
	if cfg.Observability.Enabled {
		p, err := observability.New(ctx, cfg.Observability)
		if err != nil {
			return nil, fmt.Errorf("observability: %w", err)
		}
		tel = p
		b.closers = append(b.closers, p.Shutdown)
	}
	b.telemetry = tel

	rec, closer, err := store.Open(ctx, cfg.Store)
	if err != nil {
		b.close(ctx)
		return nil, fmt.Errorf("store: %w", err)
	}
	b.recorder = rec
	b.closers = append(b.closers, func(context.Context) error { return closer.Close() })

	if b.processor == nil {
		switch cfg.Processor {
		case config.ProcessorStripe:
			p, err := stripepay.New(stripepay.Config{Key: cfg.Stripe.SecretKey, BackendURL: cfg.Stripe.BackendURL})
			if err != nil {
				b.close(ctx)
				return nil, err
			}
			b.processor = p
		default:
			slog.Warn("using the in-memory fake processor; no real charges are made")
			b.processor = fake.New()
		}
	}
	return b, nil
}

// sharedState builds the rate limiter and idempotency store, in Redis when
// one is configured. close releases the Redis client.
func sharedState(ctx context.Context, cfg *config.Config) (api.LimiterStore, api.IdempotencyStore, func() error, error) {
	limit := api.RateLimit{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst}
	if cfg.Redis.Addr == "" {
		var limiter api.LimiterStore
		if cfg.RateLimit.Enabled {
			limiter = api.NewMemoryLimiter(ctx, limit)
		}
		return limiter, api.NewMemoryIdempotencyStore(ctx, cfg.IdempotencyTTL), func() error { return nil }, nil
	}

	rdb, err := api.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, nil, err
	}
	var limiter api.LimiterStore
	if cfg.RateLimit.Enabled {
		limiter = api.NewRedisLimiter(rdb, limit)
	}
	return limiter, api.NewRedisIdempotencyStore(rdb, cfg.IdempotencyTTL), rdb.Close, nil
}

// serve runs the API on ln until ctx is done. A non-nil proc replaces the
// configured processor.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener, proc payment.Processor) error {
	b, err := openBackend(ctx, cfg, proc)
	if err != nil {
		return err
	}
	defer b.close(context.WithoutCancel(ctx))
	return serveBackend(ctx, cfg, ln, b)
}

func serveBackend(ctx context.Context, cfg *config.Config, ln net.Listener, b *backend) error {
	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	limiter, idem, closeRedis, err := sharedState(ctx, cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = closeRedis() }()

	var verifier *stripepay.WebhookVerifier
	if cfg.Stripe.WebhookSecret != "" {
		verifier = stripepay.NewWebhookVerifier(cfg.Stripe.WebhookSecret)
	}

	srv, err := api.NewServer(api.Config{
		Issuer:         b.processor,
		Recorder:       b.recorder,
		Webhook:        verifier,
		Presets:        catalog.Presets,
		Limiter:        limiter,
		Idempotency:    idem,
		Operators:      api.NewTokenValidator(cfg.OperatorSecret),
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		Telemetry:      b.telemetry,
	})
	if err != nil {
		return err
	}

	hs := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
