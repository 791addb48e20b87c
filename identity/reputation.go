package identity

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"moltmart/chain"
	coreerrors "moltmart/core/errors"
	"moltmart/store"
)

// FeedbackTag is tag1 on every rating the marketplace submits.
const FeedbackTag = "service"

// ReputationRegistry is the on-chain reputation surface.
type ReputationRegistry interface {
	GiveFeedback(ctx context.Context, fb chain.Feedback) (chain.TxOutcome, error)
	Summary(ctx context.Context, agentID *big.Int, tag1 string) (chain.ReputationSummary, error)
	Ref() string
}

// ReputationRecords resolves seller badges and stores anchoring outcomes.
type ReputationRecords interface {
	AgentByWallet(ctx context.Context, wallet string) (*store.Agent, error)
	SaveFeedbackAnchor(ctx context.Context, fb *store.Feedback) error
}

// Reputation mirrors marketplace ratings onto the reputation registry,
// keyed by the seller's identity token.
type Reputation struct {
	registry ReputationRegistry
	records  ReputationRecords
	logger   *slog.Logger
}

// NewReputation builds a reputation bridge.
func NewReputation(registry ReputationRegistry, records ReputationRecords, logger *slog.Logger) *Reputation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reputation{registry: registry, records: records, logger: logger}
}

// Enabled reports whether a reputation registry is configured.
func (p *Reputation) Enabled() bool { return p != nil && p.registry != nil }

// Anchor submits fb for the seller of svc. Failures are recorded on the
// feedback row and never returned: the local rating stands on its own.
// Sellers without a badge have nothing to anchor to and are skipped.
func (p *Reputation) Anchor(ctx context.Context, fb *store.Feedback, svc *store.Service) {
	if !p.Enabled() {
		return
	}
	seller, err := p.records.AgentByWallet(ctx, svc.OwnerWallet)
	if err != nil || !seller.HasIdentity || seller.IdentityTokenID == "" {
		return
	}
	agentID, ok := new(big.Int).SetString(seller.IdentityTokenID, 10)
	if !ok {
		return
	}
	out, err := p.registry.GiveFeedback(ctx, chain.Feedback{
		AgentID: agentID,
		Value:   int64(fb.Rating),
		Tag1:    FeedbackTag,
		Tag2:    svc.Category,
	})
	if out.Hash != (common.Hash{}) {
		fb.OnchainTxHash = out.Hash.Hex()
	}
	if err != nil {
		fb.OnchainError = truncate(err.Error())
		p.logger.Warn("reputation feedback failed", "feedback", fb.ID, "agent", agentID, "error", err)
	}
	if err := p.records.SaveFeedbackAnchor(ctx, fb); err != nil {
		p.logger.Error("save feedback anchor failed", "feedback", fb.ID, "error", err)
	}
}

// Standing is the on-chain reputation of an agent.
type Standing struct {
	Wallet        string `json:"wallet"`
	AgentID       string `json:"agentId"`
	FeedbackCount uint64 `json:"feedbackCount"`
	Score         string `json:"score"`
	Decimals      uint8  `json:"decimals"`
	RegistryRef   string `json:"registryRef"`
}

// Of reads the reputation summary of wallet's identity token.
func (p *Reputation) Of(ctx context.Context, wallet string) (Standing, error) {
	if !p.Enabled() {
		return Standing{}, coreerrors.New(coreerrors.CodeUpstreamUnavailable, "reputation registry not configured")
	}
	agent, err := p.records.AgentByWallet(ctx, wallet)
	if errors.Is(err, store.ErrNotFound) {
		return Standing{}, coreerrors.NotFound("agent not found")
	}
	if err != nil {
		return Standing{}, coreerrors.Internal(err)
	}
	agentID, ok := new(big.Int).SetString(agent.IdentityTokenID, 10)
	if !agent.HasIdentity || !ok {
		return Standing{}, coreerrors.NotFound("agent has no identity badge")
	}
	summary, err := p.registry.Summary(ctx, agentID, "")
	if err != nil {
		return Standing{}, coreerrors.Wrap(coreerrors.CodeUpstreamUnavailable, "reputation lookup failed", err)
	}
	return Standing{
		Wallet:        agent.WalletAddress,
		AgentID:       agentID.String(),
		FeedbackCount: summary.Count,
		Score:         summary.Score(),
		Decimals:      summary.Decimals,
		RegistryRef:   p.registry.Ref(),
	}, nil
}
