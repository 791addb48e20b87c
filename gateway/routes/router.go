package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"moltmart/gateway/middleware"
	"moltmart/identity"
	"moltmart/ledger"
	"moltmart/observability"
	"moltmart/ownership"
	"moltmart/payment"
	"moltmart/ratelimit"
	"moltmart/relay"
	"moltmart/store"
	"moltmart/x402"
)

const defaultMaxBodyBytes = 1 << 20 // 1 MiB

// Info describes the deployment on the root and skill documents.
type Info struct {
	Name           string
	Version        string
	Chain          string
	ChainID        int64
	Token          string
	TokenSymbol    string
	TokenDecimals  int
	PlatformWallet string
	PublicURL      string
	Prices         payment.Prices
}

// Config wires the marketplace API.
type Config struct {
	Store     *store.Store
	Ledger    *ledger.Ledger
	Ownership *ownership.Verifier
	Payments  *payment.Verifier
	X402      *x402.Gate
	Listings  *ratelimit.Limiter
	Relay     *relay.Relay
	Minter    *identity.Minter
	// Reputation mirrors ratings on-chain. Optional.
	Reputation *identity.Reputation
	Metrics    *observability.MarketMetrics
	Info       Info
	// ChainHead reports the latest block for health checks. Optional.
	ChainHead    func(ctx context.Context) (uint64, error)
	MaxBodyBytes int64
	Logger       *slog.Logger

	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

type api struct {
	store      *store.Store
	ledger     *ledger.Ledger
	ownership  *ownership.Verifier
	payments   *payment.Verifier
	gate       *x402.Gate
	listings   *ratelimit.Limiter
	relay      *relay.Relay
	minter     *identity.Minter
	reputation *identity.Reputation
	metrics    *observability.MarketMetrics
	info       Info
	chainHead  func(ctx context.Context) (uint64, error)
	maxBody    int64
	logger     *slog.Logger
}

// New builds the HTTP handler for the marketplace API.
func New(cfg Config) (http.Handler, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("routes: store required")
	case cfg.Ledger == nil:
		return nil, errors.New("routes: ledger required")
	case cfg.Ownership == nil:
		return nil, errors.New("routes: ownership verifier required")
	case cfg.Payments == nil:
		return nil, errors.New("routes: payment verifier required")
	case cfg.Listings == nil:
		return nil, errors.New("routes: listing limiter required")
	case cfg.Relay == nil:
		return nil, errors.New("routes: relay required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	if cfg.Info.Name == "" {
		cfg.Info.Name = "MoltMart"
	}
	if cfg.Info.TokenDecimals <= 0 {
		cfg.Info.TokenDecimals = payment.DefaultDecimals
	}
	a := &api{
		store:      cfg.Store,
		ledger:     cfg.Ledger,
		ownership:  cfg.Ownership,
		payments:   cfg.Payments,
		gate:       cfg.X402,
		listings:   cfg.Listings,
		relay:      cfg.Relay,
		minter:     cfg.Minter,
		reputation: cfg.Reputation,
		metrics:    cfg.Metrics,
		info:       cfg.Info,
		chainHead:  cfg.ChainHead,
		maxBody:    maxBody,
		logger:     logger,
	}

	if cfg.RateLimiter != nil {
		cfg.RateLimiter.OnReject(a.metrics.RateLimited)
	}
	throttle := func(group string) func(http.Handler) http.Handler {
		if cfg.RateLimiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return cfg.RateLimiter.Middleware(group)
	}
	operator := cfg.Authenticator
	if operator == nil {
		operator = middleware.NewAuthenticator(middleware.AuthConfig{}, logger)
	}
	requireAgent := middleware.AgentAuth(cfg.Store, true, logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
	}

	r.Get("/", a.root)
	r.Get("/healthz", a.health)
	r.Get("/skill.md", a.skill)
	if cfg.Observability != nil {
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}

	r.Group(func(r chi.Router) {
		r.Use(throttle("challenges"))
		r.Get("/agents/challenge", a.signatureChallenge)
		r.Get("/agents/challenge/onchain", a.onchainChallenge)
		r.Get("/payment/challenge", a.paymentChallenge)
		r.Post("/agents/register", a.register)
	})

	r.Group(func(r chi.Router) {
		r.Use(throttle("catalogue"))
		r.Get("/stats", a.stats)
		r.Get("/agents", a.listAgents)
		r.Get("/agents/{wallet}", a.getAgent)
		r.Get("/agents/{wallet}/reputation", a.agentReputation)
		r.Get("/services", a.listServices)
		r.Get("/services/search", a.searchServices)
		r.Get("/services/search/{query}", a.searchServices)
		r.Get("/categories", a.categories)
		r.Get("/services/{id}", a.getService)
		r.Get("/services/{id}/feedback", a.listFeedback)
		r.Get("/identity/{wallet}", a.identityOf)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireAgent)
		r.Get("/agents/me", a.me)
		r.Post("/services", a.createService)
		r.Post("/services/{id}/call", a.callService)
		r.Post("/services/{id}/feedback", a.addFeedback)
		r.Post("/identity/mint", a.mintIdentity)
		r.Post("/identity/verify", a.verifyIdentity)
		r.Get("/transactions", a.listTransactions)
		r.Get("/transactions/{id}", a.getTransaction)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(operator.Middleware(middleware.ScopeOperator))
		r.Get("/mints", a.listMints)
		r.Post("/mints/{id}/retry", a.retryMint)
		r.Delete("/agents/{wallet}", a.deleteAgent)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return r, nil
}
