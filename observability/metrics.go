package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics counts verification, payment and relay outcomes.
type MarketMetrics struct {
	challenges    *prometheus.CounterVec
	proofs        *prometheus.CounterVec
	payments      *prometheus.CounterVec
	relays        *prometheus.CounterVec
	relayLatency  *prometheus.HistogramVec
	rateLimited   *prometheus.CounterVec
	mints         *prometheus.CounterVec
	listingsTotal prometheus.Counter
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the lazily-initialised marketplace metrics registered on
// the default prometheus registerer.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = NewMarketMetrics(prometheus.DefaultRegisterer)
	})
	return marketRegistry
}

// NewMarketMetrics builds and registers a metrics set on reg.
func NewMarketMetrics(reg prometheus.Registerer) *MarketMetrics {
	m := &MarketMetrics{
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moltmart",
			Subsystem: "challenges",
			Name:      "issued_total",
			Help:      "Challenges issued segmented by kind (signature, onchain, payment).",
		}, []string{"kind"}),
		proofs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moltmart",
			Subsystem: "ownership",
			Name:      "proofs_total",
			Help:      "Ownership proof attempts segmented by method and outcome code.",
		}, []string{"method", "outcome"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moltmart",
			Subsystem: "payments",
			Name:      "total",
			Help:      "Payment proofs segmented by method, action and outcome code.",
		}, []string{"method", "action", "outcome"}),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moltmart",
			Subsystem: "relay",
			Name:      "calls_total",
			Help:      "Relayed seller calls segmented by terminal ledger status.",
		}, []string{"status"}),
		relayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "moltmart",
			Subsystem: "relay",
			Name:      "call_duration_seconds",
			Help:      "Seller call latency segmented by terminal ledger status.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"status"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moltmart",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by a rate limiter segmented by scope.",
		}, []string{"scope"}),
		mints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moltmart",
			Subsystem: "identity",
			Name:      "mints_total",
			Help:      "Identity mint attempts segmented by resulting status.",
		}, []string{"status"}),
		listingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moltmart",
			Subsystem: "catalogue",
			Name:      "listings_total",
			Help:      "Services listed since start.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.challenges, m.proofs, m.payments, m.relays, m.relayLatency, m.rateLimited, m.mints, m.listingsTotal)
	}
	return m
}

func label(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

// ChallengeIssued counts an issued challenge of kind.
func (m *MarketMetrics) ChallengeIssued(kind string) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(label(kind, "unknown")).Inc()
}

// OwnershipProof records an ownership verification. outcome is "ok" or an error code.
func (m *MarketMetrics) OwnershipProof(method, outcome string) {
	if m == nil {
		return
	}
	m.proofs.WithLabelValues(label(method, "unknown"), label(outcome, "ok")).Inc()
}

// Payment records a payment proof for action. outcome is "ok" or an error code.
func (m *MarketMetrics) Payment(method, action, outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(label(method, "none"), label(action, "unknown"), label(outcome, "ok")).Inc()
}

// Relay records a terminal relay outcome.
func (m *MarketMetrics) Relay(status string, latency time.Duration) {
	if m == nil {
		return
	}
	status = label(status, "unknown")
	m.relays.WithLabelValues(status).Inc()
	m.relayLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// RateLimited counts a rejection by the limiter for scope.
func (m *MarketMetrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(label(scope, "unknown")).Inc()
}

// Mint records the status a mint attempt ended in.
func (m *MarketMetrics) Mint(status string) {
	if m == nil {
		return
	}
	m.mints.WithLabelValues(label(status, "unknown")).Inc()
}

// Listing counts a new service listing.
func (m *MarketMetrics) Listing() {
	if m == nil {
		return
	}
	m.listingsTotal.Inc()
}
