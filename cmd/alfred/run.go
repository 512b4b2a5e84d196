package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/auth"
	"github.com/AlfredDev/alfred/internal/cache"
	"github.com/AlfredDev/alfred/internal/circuitbreaker"
	"github.com/AlfredDev/alfred/internal/cloudauth"
	"github.com/AlfredDev/alfred/internal/config"
	"github.com/AlfredDev/alfred/internal/ledger"
	"github.com/AlfredDev/alfred/internal/metering"
	"github.com/AlfredDev/alfred/internal/provider"
	"github.com/AlfredDev/alfred/internal/provider/anthropic"
	"github.com/AlfredDev/alfred/internal/provider/gemini"
	"github.com/AlfredDev/alfred/internal/provider/ollama"
	"github.com/AlfredDev/alfred/internal/provider/openai"
	"github.com/AlfredDev/alfred/internal/ratelimit"
	"github.com/AlfredDev/alfred/internal/router"
	"github.com/AlfredDev/alfred/internal/server"
	"github.com/AlfredDev/alfred/internal/storage/sqlite"
	"github.com/AlfredDev/alfred/internal/telemetry"
	"github.com/AlfredDev/alfred/internal/wallet"
	"github.com/AlfredDev/alfred/internal/worker"
)

func run(configPath string) error {
	mgr, err := config.NewManager(configPath)
	if err != nil {
		return err
	}
	cfg := mgr.Current()

	slog.Info("starting alfred", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Warn("tracer shutdown failed", "err", err)
			}
		}()
	}

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	resolver := &dnscache.Resolver{}
	providers, err := buildProviders(ctx, cfg, resolver)
	if err != nil {
		return err
	}

	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}

	rt := router.New()
	rt.Swap(cfg.Router.Rules, cfg.Router.Families)

	// Hydrate the credit engine from the store. The journal continues the
	// hash chain from the persisted tail.
	walletRows, err := store.ListWallets(ctx)
	if err != nil {
		return err
	}
	wallets := make([]gateway.Wallet, len(walletRows))
	for i, w := range walletRows {
		wallets[i] = *w
	}
	reservationRows, err := store.ListOpenReservations(ctx)
	if err != nil {
		return err
	}
	open := make([]gateway.Reservation, len(reservationRows))
	for i, r := range reservationRows {
		open[i] = *r
	}
	lastSeq, lastHash, err := store.LedgerTail(ctx)
	if err != nil {
		return err
	}
	journal := ledger.NewAppender(store, lastSeq, lastHash)
	engine := wallet.NewEngine(wallets, open, journal, store, cfg.Wallet.EngineConfig())

	limits := ratelimit.NewRegistry()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(promReg)
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}

	var sem *cache.Semantic
	if cfg.Cache.Enabled {
		sem, err = buildCache(cfg, providers)
		if err != nil {
			return err
		}
	}

	usageRec := worker.NewUsageRecorder(store)

	janitor := worker.NewJanitor(engine, 0, cfg.RateLimits.EvictAfter, limits, breakers)
	if metrics != nil {
		janitor.SetOpenGauge(func(open int) {
			metrics.ReservationsOpen.Set(float64(open))
			metrics.UsageQueueLength.Set(float64(usageRec.QueueLen()))
			metrics.LedgerQueueDepth.Set(float64(journal.QueueLen()))
		})
	}

	var observe func(map[string]circuitbreaker.State)
	if metrics != nil {
		observe = metrics.ObserveBreakers
	}
	prober := worker.NewHealthProber(providers, breakers, time.Minute, observe)
	roller := worker.NewRolloverWorker(engine, time.Hour)

	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Providers:      providers,
		Router:         rt,
		Wallet:         engine,
		Store:          store,
		Journal:        journal,
		Tokenizers:     metering.NewRegistry(),
		Cache:          sem,
		Limits:         limits,
		Breakers:       breakers,
		Metrics:        metrics,
		Usage:          usageRec,
		MetricsHandler: metricsHandler,
		ReadyCheck:     store.Ping,
		DefaultLimits: ratelimit.Limits{
			RPM: cfg.RateLimits.DefaultRPM,
			TPM: cfg.RateLimits.DefaultTPM,
		},
		Guardrails:   cfg.Guardrails.GuardConfig(),
		MaxRetries:   cfg.Router.MaxRetries,
		USDPerCredit: cfg.Wallet.USDPerCredit,
	})

	// Background workers stop after the HTTP server drains, so settlement
	// writes from in-flight requests still reach the store.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	runner := worker.NewRunner(journal, usageRec, janitor, prober, roller)
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- runner.Run(workerCtx)
	}()

	go mgr.WatchSIGHUP(ctx, func(next *config.Config) {
		v := rt.Swap(next.Router.Rules, next.Router.Families)
		handler.ApplyLimits(next.Guardrails.GuardConfig(), next.Router.MaxRetries)
		slog.Info("routing table swapped", "version", v)
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("alfred ready", "addr", cfg.Server.Addr)

	select {
	case <-ctx.Done():
		slog.Info("shutting down", "reason", "signal")
	case err := <-serveErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Cancelling the worker context triggers the queue drains.
	stopWorkers()
	if err := <-workerErr; err != nil {
		return err
	}

	slog.Info("alfred stopped")
	return nil
}

// buildProviders registers an adapter per enabled config entry. Each provider
// gets its own HTTP client so auth transports and timeouts never leak across
// providers; the DNS cache is shared.
func buildProviders(ctx context.Context, cfg *config.Config, resolver *dnscache.Resolver) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			slog.Info("provider disabled, skipping", "name", p.Name)
			continue
		}
		switch p.ResolvedType() {
		case "openai":
			client, err := providerClient(ctx, p, resolver, "Authorization", "Bearer ")
			if err != nil {
				return nil, err
			}
			reg.Register(p.Name, openai.NewWithHosting(p.Name, p.BaseURL, client, p.Hosting))
		case "anthropic":
			client, err := providerClient(ctx, p, resolver, "x-api-key", "")
			if err != nil {
				return nil, err
			}
			reg.Register(p.Name, anthropic.NewWithHosting(p.Name, p.BaseURL, client, p.Hosting, p.Region, p.Project))
		case "gemini":
			reg.Register(p.Name, gemini.New(p.ResolvedAPIKey(), p.BaseURL, resolver))
		case "ollama":
			reg.Register(p.Name, ollama.New(p.ResolvedAPIKey(), p.BaseURL, resolver))
		default:
			slog.Warn("unknown provider type, skipping", "name", p.Name, "type", p.ResolvedType())
		}
	}
	return reg, nil
}

// providerClient builds the HTTP client for a provider entry: the shared
// DNS-cached transport wrapped in whichever auth decorator the entry resolves
// to. header and prefix describe the provider's native API key header.
func providerClient(ctx context.Context, p config.ProviderEntry, resolver *dnscache.Resolver, header, prefix string) (*http.Client, error) {
	base := provider.NewTransport(resolver, false)

	var rt http.RoundTripper
	switch p.ResolvedAuthType() {
	case "gcp_oauth":
		t, err := cloudauth.NewGCPOAuthTransport(ctx, base, cloudauth.CloudPlatformScope)
		if err != nil {
			return nil, err
		}
		rt = t
	case "aws_sigv4":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		region := p.Region
		if region == "" {
			region = awsCfg.Region
		}
		rt = cloudauth.NewAWSSigV4Transport(base, awsCfg.Credentials, region, cloudauth.BedrockRuntimeService)
	default:
		rt = &cloudauth.APIKeyTransport{Key: p.ResolvedAPIKey(), HeaderName: header, Prefix: prefix, Base: base}
	}

	client := &http.Client{Transport: rt}
	if p.TimeoutMs > 0 {
		client.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return client, nil
}

// buildCache wires the semantic cache. Without an embed provider the cache
// still runs but only the exact-digest path can hit.
func buildCache(cfg *config.Config, providers *provider.Registry) (*cache.Semantic, error) {
	var embedder cache.Embedder
	if cfg.Cache.EmbedProvider != "" {
		p, err := providers.Get(cfg.Cache.EmbedProvider)
		if err != nil {
			return nil, err
		}
		embedder = cache.NewProviderEmbedder(p, cfg.Cache.EmbedModel)
	} else {
		embedder = cache.EmbedderFunc(func(context.Context, string) ([]float32, error) {
			return nil, gateway.E(gateway.KindInternal, "no embedding provider configured")
		})
	}
	return cache.NewSemantic(embedder, cache.Config{
		Threshold:      cfg.Cache.Threshold,
		TTL:            cfg.Cache.TTL,
		EmbedTimeout:   cfg.Cache.EmbedTimeout,
		TenantMaxBytes: cfg.Cache.TenantMaxBytes,
		HitFee:         gateway.CreditsFromFloat(cfg.Cache.HitFee),
	})
}
