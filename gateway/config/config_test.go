package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"moltmart/ratelimit"
)

const platform = "0x8b3f6C9e0a1B4E1a2F0E8A1d4b6C2D3e4F5a6B7c"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "moltmart.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadRequiresPlatformWallet(t *testing.T) {
	_, err := load("", env(nil))
	require.ErrorIs(t, err, ErrPlatformWalletRequired)
}

func TestLoadDefaultsWithEnvOverrides(t *testing.T) {
	cfg, err := load("", env(map[string]string{
		EnvPlatformWallet: platform,
		EnvDatabaseURL:    "postgres://moltmart@db/moltmart",
		EnvJWTSecret:      "ops-secret",
	}))
	require.NoError(t, err)
	require.Equal(t, platform, cfg.Chain.PlatformWallet)
	require.Equal(t, platform, cfg.Chain.OwnershipTarget)
	require.Equal(t, "postgres://moltmart@db/moltmart", cfg.Database.URL)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "http://localhost:8080/agents/", cfg.Identity.TokenURIBase)

	prices, err := cfg.Prices()
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), prices.ListMinorUnits)
	require.Equal(t, []ratelimit.Window{{Limit: 3, Span: time.Hour}, {Limit: 10, Span: 24 * time.Hour}}, cfg.ListingWindows())

	rl, ok := cfg.RateLimit("challenges")
	require.True(t, ok)
	require.Equal(t, 30.0, rl.RequestsPerMinute)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
chain:
  platformWallet: "`+platform+`"
  chainId: 84532
pricing:
  list: "0.10"
listings:
  windows:
    - limit: 5
      span: 30m
relay:
  timeout: 5s
`)
	cfg, err := load(path, env(nil))
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddress)
	require.EqualValues(t, 84532, cfg.Chain.ChainID)
	require.Equal(t, "USDC", cfg.Chain.TokenSymbol)
	require.Equal(t, 5*time.Second, cfg.Relay.Timeout)
	require.Equal(t, []ratelimit.Window{{Limit: 5, Span: 30 * time.Minute}}, cfg.ListingWindows())
	prices, err := cfg.Prices()
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), prices.ListMinorUnits)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad wallet":        "chain:\n  platformWallet: \"0x123\"\n",
		"bad price":         "chain:\n  platformWallet: \"" + platform + "\"\npricing:\n  list: \"abc\"\n",
		"zero window":       "chain:\n  platformWallet: \"" + platform + "\"\nlistings:\n  windows:\n    - limit: 0\n      span: 1h\n",
		"auth no secret":    "chain:\n  platformWallet: \"" + platform + "\"\nauth:\n  enabled: true\n",
		"registry no key":   "chain:\n  platformWallet: \"" + platform + "\"\nidentity:\n  registry: \"" + platform + "\"\n",
		"reputation alone":  "chain:\n  platformWallet: \"" + platform + "\"\nidentity:\n  reputationRegistry: \"" + platform + "\"\n",
		"plain facilitator": "environment: prod\nchain:\n  platformWallet: \"" + platform + "\"\nx402:\n  facilitatorURL: \"http://x402.org/facilitator\"\n",
		"unknown field":     "chain:\n  platformWallet: \"" + platform + "\"\nbogus: 1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(writeConfig(t, content), env(nil))
			require.Error(t, err)
		})
	}
}

func TestEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := load(writeConfig(t, ""), env(map[string]string{EnvPlatformWallet: platform}))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
}
