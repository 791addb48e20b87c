package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"moltmart/chain"
	"moltmart/challenge"
	"moltmart/gateway/config"
	"moltmart/gateway/middleware"
	"moltmart/gateway/routes"
	"moltmart/identity"
	"moltmart/ledger"
	"moltmart/observability"
	"moltmart/observability/logging"
	telemetry "moltmart/observability/otel"
	"moltmart/ownership"
	"moltmart/payment"
	"moltmart/ratelimit"
	"moltmart/relay"
	"moltmart/store"
	"moltmart/x402"
)

var version = "dev"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to moltmartd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Install("moltmartd", cfg.Environment, logging.Options{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
	})
	if err := run(cfg, logger); err != nil {
		logger.Error("moltmartd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		Insecure:       cfg.Observability.OTLPInsecure,
		Headers:        telemetry.ParseHeaders(cfg.Observability.OTLPHeaders),
		Metrics:        cfg.Observability.Metrics,
		Traces:         cfg.Observability.Tracing,
		SampleRatio:    cfg.Observability.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	records, err := store.Open(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer records.Close()
	if err := ledger.AutoMigrate(records.DB()); err != nil {
		return err
	}
	txs := ledger.New(records.DB())
	relayTimeout := cfg.Relay.Timeout
	if relayTimeout <= 0 {
		relayTimeout = relay.DefaultTimeout
	}
	// Entries still pending after several relay timeouts lost their outcome
	// in a crash or a failed write; close them so they stop counting as open.
	if expired, err := txs.ExpireStale(ctx, time.Now().Add(-4*relayTimeout)); err != nil {
		return err
	} else if expired > 0 {
		logger.Warn("closed stale pending transactions", "count", expired)
	}

	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return errors.New("chain.rpcURL is required")
	}
	client, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.RPCTimeout)
	if err != nil {
		return err
	}
	defer client.Close()
	chainID := big.NewInt(cfg.Chain.ChainID)

	var persistence challenge.Persistence
	if dir := strings.TrimSpace(cfg.Challenges.DataDir); dir != "" {
		db, err := challenge.NewLevelDBPersistence(filepath.Join(dir, "challenges"))
		if err != nil {
			return err
		}
		defer db.Close()
		persistence = db
	}

	owners := ownership.NewVerifier(ownership.Config{
		Reader:      client,
		ChainID:     chainID,
		Target:      common.HexToAddress(cfg.Chain.OwnershipTarget),
		TTL:         cfg.Challenges.TTL,
		Persistence: persistence,
		Logger:      logger,
	})
	prices, err := cfg.Prices()
	if err != nil {
		return err
	}
	payments := payment.NewVerifier(payment.Config{
		Reader:         client,
		ChainID:        chainID,
		Token:          common.HexToAddress(cfg.Chain.Token),
		Decimals:       cfg.Chain.TokenDecimals,
		PlatformWallet: common.HexToAddress(cfg.Chain.PlatformWallet),
		Prices:         prices,
		Services:       records,
		Spent:          records,
		TTL:            cfg.Challenges.TTL,
		Persistence:    persistence,
		Logger:         logger,
	})
	if err := owners.Hydrate(ctx); err != nil {
		return err
	}
	if err := payments.Hydrate(ctx); err != nil {
		return err
	}
	go owners.Run(ctx, cfg.Challenges.SweepInterval)
	go payments.Run(ctx, cfg.Challenges.SweepInterval)

	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(logger)}
	if path := strings.TrimSpace(cfg.Listings.StateFile); path != "" {
		state, err := ratelimit.OpenBolt(path, nil)
		if err != nil {
			return err
		}
		defer state.Close()
		limiterOpts = append(limiterOpts, ratelimit.WithPersistence(state))
	}
	listings := ratelimit.New("listings", cfg.ListingWindows(), limiterOpts...)

	var gate *x402.Gate
	if cfg.X402.FacilitatorURL != "" {
		gate = x402.NewGate(x402.NewHTTPFacilitator(cfg.X402.FacilitatorURL, cfg.X402.APIKey, cfg.X402.Timeout), x402.Config{
			Network:           cfg.X402.Network,
			Asset:             strings.ToLower(cfg.Chain.Token),
			AssetName:         cfg.X402.AssetName,
			AssetVersion:      cfg.X402.AssetVersion,
			MaxTimeoutSeconds: cfg.X402.MaxTimeoutSeconds,
		})
	} else {
		logger.Warn("x402 facilitator not configured; only on-chain payments are accepted")
	}

	var (
		minter     *identity.Minter
		reputation *identity.Reputation
	)
	if cfg.Identity.Registry != "" {
		key, err := chain.ParsePrivateKey(cfg.Identity.OperatorKey)
		if err != nil {
			return err
		}
		registry, err := chain.NewRegistry(client, common.HexToAddress(cfg.Identity.Registry), chainID, key)
		if err != nil {
			return err
		}
		base := cfg.Identity.TokenURIBase
		minter = identity.NewMinter(registry, records, func(wallet string) string { return base + wallet }, logger)
		logger.Info("identity registry configured", "registry", registry.Ref(), "operator", registry.Operator().Hex())
		if addr := cfg.Identity.ReputationRegistry; addr != "" {
			ratings, err := registry.Reputation(common.HexToAddress(addr))
			if err != nil {
				return err
			}
			reputation = identity.NewReputation(ratings, records, logger)
			logger.Info("reputation registry configured", "registry", ratings.Ref())
		}
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)
	metrics := observability.NewMarketMetrics(obs.Registry())

	relays := relay.New(relay.Config{
		Catalogue: records,
		Ledger:    txs,
		Timeout:   cfg.Relay.Timeout,
		Logger:    logger,
		Observe: func(status ledger.Status, latency time.Duration) {
			metrics.Relay(string(status), latency)
		},
	})

	throttles := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, entry := range cfg.RateLimits {
		throttles[entry.ID] = middleware.RateLimit{RequestsPerMinute: entry.RequestsPerMinute, Burst: entry.Burst}
	}

	router, err := routes.New(routes.Config{
		Store:      records,
		Ledger:     txs,
		Ownership:  owners,
		Payments:   payments,
		X402:       gate,
		Listings:   listings,
		Relay:      relays,
		Minter:     minter,
		Reputation: reputation,
		Metrics:    metrics,
		Info: routes.Info{
			Version:        version,
			Chain:          cfg.Chain.Name,
			ChainID:        cfg.Chain.ChainID,
			Token:          strings.ToLower(cfg.Chain.Token),
			TokenSymbol:    cfg.Chain.TokenSymbol,
			TokenDecimals:  cfg.Chain.TokenDecimals,
			PlatformWallet: strings.ToLower(cfg.Chain.PlatformWallet),
			PublicURL:      cfg.PublicURL,
			Prices:         prices,
		},
		ChainHead:    client.BlockNumber,
		MaxBodyBytes: cfg.Relay.MaxBodyBytes,
		Logger:       logger,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			ClockSkew:  cfg.Auth.ClockSkew,
		}, logger),
		RateLimiter:   middleware.NewRateLimiter(throttles, logger),
		Observability: obs,
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
	})
	if err != nil {
		return err
	}

	handler := router
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, "moltmartd")
	}
	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", listener.Addr().String(), "public_url", cfg.PublicURL)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	return nil
}
