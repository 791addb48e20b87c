package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMarketMetricsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMarketMetrics(reg)

	m.ChallengeIssued("onchain")
	m.OwnershipProof("signature", "")
	m.Payment("x402", "call", "payment_settle_failed")
	m.Payment("onchain", "list", "")
	m.Relay("timeout", 30*time.Second)
	m.RateLimited("listings")
	m.Mint("pending_transfer")
	m.Listing()

	require.Equal(t, 1.0, testutil.ToFloat64(m.challenges.WithLabelValues("onchain")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.proofs.WithLabelValues("signature", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.payments.WithLabelValues("x402", "call", "payment_settle_failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.payments.WithLabelValues("onchain", "list", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.relays.WithLabelValues("timeout")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited.WithLabelValues("listings")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.mints.WithLabelValues("pending_transfer")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.listingsTotal))
}

func TestNilMarketMetricsIsSafe(t *testing.T) {
	var m *MarketMetrics
	require.NotPanics(t, func() {
		m.ChallengeIssued("signature")
		m.Relay("completed", time.Second)
		m.Listing()
	})
}
