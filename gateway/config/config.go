package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"moltmart/payment"
	"moltmart/ratelimit"
)

// Environment variables that override file values. Secrets are expected to
// arrive this way rather than through the YAML file.
const (
	EnvListen            = "MOLTMART_LISTEN"
	EnvEnvironment       = "MOLTMART_ENV"
	EnvPublicURL         = "MOLTMART_PUBLIC_URL"
	EnvDatabaseURL       = "MOLTMART_DATABASE_URL"
	EnvRPCURL            = "MOLTMART_RPC_URL"
	EnvPlatformWallet    = "MOLTMART_PLATFORM_WALLET"
	EnvOperatorKey       = "MOLTMART_OPERATOR_KEY"
	EnvFacilitatorURL    = "MOLTMART_FACILITATOR_URL"
	EnvFacilitatorAPIKey = "MOLTMART_FACILITATOR_API_KEY"
	EnvJWTSecret         = "MOLTMART_JWT_SECRET"
	EnvLogLevel          = "MOLTMART_LOG_LEVEL"
)

type Config struct {
	ListenAddress string              `yaml:"listen"`
	Environment   string              `yaml:"environment"`
	PublicURL     string              `yaml:"publicURL"`
	ReadTimeout   time.Duration       `yaml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout"`
	Database      DatabaseConfig      `yaml:"database"`
	Chain         ChainConfig         `yaml:"chain"`
	Identity      IdentityConfig      `yaml:"identity"`
	Pricing       PricingConfig       `yaml:"pricing"`
	X402          X402Config          `yaml:"x402"`
	Challenges    ChallengeConfig     `yaml:"challenges"`
	Listings      ListingConfig       `yaml:"listings"`
	Relay         RelayConfig         `yaml:"relay"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits"`
	Auth          AuthConfig          `yaml:"auth"`
	CORS          CORSConfig          `yaml:"cors"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type ChainConfig struct {
	Name          string        `yaml:"name"`
	ChainID       int64         `yaml:"chainId"`
	RPCURL        string        `yaml:"rpcURL"`
	RPCTimeout    time.Duration `yaml:"rpcTimeout"`
	Token         string        `yaml:"token"`
	TokenSymbol   string        `yaml:"tokenSymbol"`
	TokenDecimals int           `yaml:"tokenDecimals"`
	// PlatformWallet receives mint and listing fees.
	PlatformWallet string `yaml:"platformWallet"`
	// OwnershipTarget receives zero-value ownership proof transactions.
	// Defaults to PlatformWallet.
	OwnershipTarget string `yaml:"ownershipTarget"`
}

type IdentityConfig struct {
	Registry     string `yaml:"registry"`
	OperatorKey  string `yaml:"operatorKey"`
	TokenURIBase string `yaml:"tokenURIBase"`
	// ReputationRegistry receives buyer ratings for badged sellers.
	// Requires Registry, whose operator signs the submissions.
	ReputationRegistry string `yaml:"reputationRegistry"`
}

type PricingConfig struct {
	Mint string `yaml:"mint"`
	List string `yaml:"list"`
}

type X402Config struct {
	FacilitatorURL    string        `yaml:"facilitatorURL"`
	APIKey            string        `yaml:"apiKey"`
	Network           string        `yaml:"network"`
	AssetName         string        `yaml:"assetName"`
	AssetVersion      string        `yaml:"assetVersion"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxTimeoutSeconds int           `yaml:"maxTimeoutSeconds"`
}

type ChallengeConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	DataDir       string        `yaml:"dataDir"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type WindowConfig struct {
	Limit int           `yaml:"limit"`
	Span  time.Duration `yaml:"span"`
}

type ListingConfig struct {
	Windows   []WindowConfig `yaml:"windows"`
	StateFile string         `yaml:"stateFile"`
}

type RelayConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes"`
}

type RateLimitConfig struct {
	ID                string  `yaml:"id"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HMACSecret string        `yaml:"hmacSecret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ScopeClaim string        `yaml:"scopeClaim"`
	ClockSkew  time.Duration `yaml:"clockSkew"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type ObservabilityConfig struct {
	ServiceName   string  `yaml:"serviceName"`
	Metrics       bool    `yaml:"metrics"`
	Tracing       bool    `yaml:"tracing"`
	LogRequests   bool    `yaml:"logRequests"`
	MetricsPrefix string  `yaml:"metricsPrefix"`
	OTLPEndpoint  string  `yaml:"otlpEndpoint"`
	OTLPInsecure  bool    `yaml:"otlpInsecure"`
	OTLPHeaders   string  `yaml:"otlpHeaders"`
	SampleRatio   float64 `yaml:"sampleRatio"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Defaults returns a configuration for a local Base deployment backed by SQLite.
func Defaults() Config {
	return Config{
		ListenAddress: ":8080",
		Environment:   "dev",
		PublicURL:     "http://localhost:8080",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   120 * time.Second,
		Database:      DatabaseConfig{URL: "sqlite://moltmart.db"},
		Chain: ChainConfig{
			Name:          "Base",
			ChainID:       8453,
			RPCTimeout:    10 * time.Second,
			Token:         "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			TokenSymbol:   "USDC",
			TokenDecimals: payment.DefaultDecimals,
		},
		Pricing: PricingConfig{Mint: "0.05", List: "0.05"},
		X402: X402Config{
			Network:           "base",
			AssetName:         "USD Coin",
			AssetVersion:      "2",
			Timeout:           10 * time.Second,
			MaxTimeoutSeconds: 60,
		},
		Challenges: ChallengeConfig{TTL: 600 * time.Second, SweepInterval: time.Minute},
		Listings: ListingConfig{Windows: []WindowConfig{
			{Limit: 3, Span: time.Hour},
			{Limit: 10, Span: 24 * time.Hour},
		}},
		Relay: RelayConfig{Timeout: 30 * time.Second, MaxBodyBytes: 1 << 20},
		RateLimits: []RateLimitConfig{
			{ID: "challenges", RequestsPerMinute: 30, Burst: 10},
			{ID: "catalogue", RequestsPerMinute: 240, Burst: 60},
		},
		Auth: AuthConfig{ScopeClaim: "scope", ClockSkew: 2 * time.Minute},
		Observability: ObservabilityConfig{
			ServiceName:   "moltmartd",
			Metrics:       true,
			LogRequests:   true,
			MetricsPrefix: "moltmart",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load decodes the YAML file at path over Defaults, applies environment
// overrides and validates the result. An empty path uses defaults only.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Defaults()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnv(lookup)
	if cfg.Chain.OwnershipTarget == "" {
		cfg.Chain.OwnershipTarget = cfg.Chain.PlatformWallet
	}
	if cfg.Identity.TokenURIBase == "" && cfg.PublicURL != "" {
		cfg.Identity.TokenURIBase = strings.TrimRight(cfg.PublicURL, "/") + "/agents/"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
		}
	}
	set(EnvListen, &cfg.ListenAddress)
	set(EnvEnvironment, &cfg.Environment)
	set(EnvPublicURL, &cfg.PublicURL)
	set(EnvDatabaseURL, &cfg.Database.URL)
	set(EnvRPCURL, &cfg.Chain.RPCURL)
	set(EnvPlatformWallet, &cfg.Chain.PlatformWallet)
	set(EnvOperatorKey, &cfg.Identity.OperatorKey)
	set(EnvFacilitatorURL, &cfg.X402.FacilitatorURL)
	set(EnvFacilitatorAPIKey, &cfg.X402.APIKey)
	set(EnvLogLevel, &cfg.Logging.Level)
	if value, ok := lookup(EnvJWTSecret); ok && strings.TrimSpace(value) != "" {
		cfg.Auth.HMACSecret = strings.TrimSpace(value)
		cfg.Auth.Enabled = true
	}
}

var (
	ErrPlatformWalletRequired = errors.New("chain.platformWallet is required")
	ErrAuthSecretRequired     = errors.New("auth.hmacSecret is required when auth is enabled")
)

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address is required")
	}
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.PublicURL != "" {
		if _, err := url.ParseRequestURI(cfg.PublicURL); err != nil {
			return fmt.Errorf("publicURL: %w", err)
		}
	}
	if cfg.Chain.PlatformWallet == "" {
		return ErrPlatformWalletRequired
	}
	for name, addr := range map[string]string{
		"chain.platformWallet":        cfg.Chain.PlatformWallet,
		"chain.ownershipTarget":       cfg.Chain.OwnershipTarget,
		"chain.token":                 cfg.Chain.Token,
		"identity.registry":           cfg.Identity.Registry,
		"identity.reputationRegistry": cfg.Identity.ReputationRegistry,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s %q is not a hex address", name, addr)
		}
	}
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chainId must be positive")
	}
	if cfg.Chain.TokenDecimals < 0 || cfg.Chain.TokenDecimals > 18 {
		return fmt.Errorf("chain.tokenDecimals must be between 0 and 18")
	}
	if cfg.Identity.Registry != "" && cfg.Identity.OperatorKey == "" {
		return fmt.Errorf("identity.operatorKey is required when identity.registry is set")
	}
	if cfg.Identity.ReputationRegistry != "" && cfg.Identity.Registry == "" {
		return fmt.Errorf("identity.registry is required when identity.reputationRegistry is set")
	}
	if _, err := cfg.Prices(); err != nil {
		return err
	}
	if len(cfg.Listings.Windows) == 0 {
		return fmt.Errorf("listings.windows must not be empty")
	}
	for i, w := range cfg.Listings.Windows {
		if w.Limit <= 0 || w.Span <= 0 {
			return fmt.Errorf("listings.windows[%d] must have a positive limit and span", i)
		}
	}
	if cfg.Challenges.TTL <= 0 {
		return fmt.Errorf("challenges.ttl must be positive")
	}
	if cfg.Relay.Timeout <= 0 {
		return fmt.Errorf("relay.timeout must be positive")
	}
	for i, rl := range cfg.RateLimits {
		if strings.TrimSpace(rl.ID) == "" {
			return fmt.Errorf("rateLimits[%d].id is required", i)
		}
		if rl.RequestsPerMinute <= 0 {
			return fmt.Errorf("rateLimits[%d].requestsPerMinute must be positive", i)
		}
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return ErrAuthSecretRequired
	}
	if cfg.X402.FacilitatorURL != "" {
		parsed, err := url.Parse(cfg.X402.FacilitatorURL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("x402.facilitatorURL %q is not an absolute URL", cfg.X402.FacilitatorURL)
		}
		if parsed.Scheme != "https" && !isDevEnv(cfg.Environment) {
			return fmt.Errorf("x402.facilitatorURL must use https outside dev")
		}
	}
	return nil
}

// Prices converts the display prices into token minor units.
func (cfg *Config) Prices() (payment.Prices, error) {
	mint, err := payment.ParseAmount(cfg.Pricing.Mint, cfg.Chain.TokenDecimals)
	if err != nil {
		return payment.Prices{}, fmt.Errorf("pricing.mint: %w", err)
	}
	list, err := payment.ParseAmount(cfg.Pricing.List, cfg.Chain.TokenDecimals)
	if err != nil {
		return payment.Prices{}, fmt.Errorf("pricing.list: %w", err)
	}
	return payment.Prices{MintMinorUnits: mint, ListMinorUnits: list}, nil
}

// ListingWindows returns the listing limiter horizons.
func (cfg *Config) ListingWindows() []ratelimit.Window {
	out := make([]ratelimit.Window, 0, len(cfg.Listings.Windows))
	for _, w := range cfg.Listings.Windows {
		out = append(out, ratelimit.Window{Limit: w.Limit, Span: w.Span})
	}
	return out
}

// RateLimit looks up a throttle group by id.
func (cfg *Config) RateLimit(id string) (RateLimitConfig, bool) {
	for _, rl := range cfg.RateLimits {
		if rl.ID == id {
			return rl, true
		}
	}
	return RateLimitConfig{}, false
}

func isDevEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "test", "local":
		return true
	default:
		return false
	}
}
