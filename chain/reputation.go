package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ReputationRegistryABI covers the ERC-8004 reputation registry calls used
// to anchor buyer ratings.
const ReputationRegistryABI = `[
 {"type":"function","name":"giveFeedback","stateMutability":"nonpayable","inputs":[{"name":"agentId","type":"uint256"},{"name":"value","type":"int128"},{"name":"valueDecimals","type":"uint8"},{"name":"tag1","type":"string"},{"name":"tag2","type":"string"},{"name":"endpoint","type":"string"},{"name":"feedbackURI","type":"string"},{"name":"feedbackHash","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"getSummary","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"},{"name":"clientAddresses","type":"address[]"},{"name":"tag1","type":"string"},{"name":"tag2","type":"string"}],"outputs":[{"name":"count","type":"uint64"},{"name":"summaryValue","type":"int128"},{"name":"summaryValueDecimals","type":"uint8"}]}
]`

const defaultFeedbackGasLimit = 200_000

// Feedback is one rating submitted to the reputation registry.
type Feedback struct {
	AgentID  *big.Int
	Value    int64
	Tag1     string
	Tag2     string
	Endpoint string
}

// ReputationSummary is the aggregate the registry keeps for an agent.
type ReputationSummary struct {
	Count    uint64
	Value    *big.Int
	Decimals uint8
}

// Score renders Value scaled by Decimals.
func (s ReputationSummary) Score() string {
	if s.Value == nil {
		return "0"
	}
	if s.Decimals == 0 {
		return s.Value.String()
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.Decimals)), nil)
	return new(big.Rat).SetFrac(s.Value, scale).FloatString(int(s.Decimals))
}

// ReputationRegistry submits and reads agent feedback. Transactions are
// signed by the identity registry's operator and share its nonce lock.
type ReputationRegistry struct {
	registry *Registry
	address  common.Address
	abi      abi.ABI

	GasLimit uint64
}

// Reputation returns a client for the reputation registry at address that
// signs with r's operator key.
func (r *Registry) Reputation(address common.Address) (*ReputationRegistry, error) {
	if address == (common.Address{}) {
		return nil, fmt.Errorf("reputation registry address required")
	}
	parsed, err := abi.JSON(strings.NewReader(ReputationRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("parse reputation abi: %w", err)
	}
	return &ReputationRegistry{registry: r, address: address, abi: parsed, GasLimit: defaultFeedbackGasLimit}, nil
}

// Address returns the reputation contract address.
func (p *ReputationRegistry) Address() common.Address { return p.address }

// Ref returns the CAIP-style reference of the reputation registry.
func (p *ReputationRegistry) Ref() string {
	return fmt.Sprintf("eip155:%s:%s", p.registry.chainID.String(), p.address.Hex())
}

// GiveFeedback records fb on-chain with whole-number values.
func (p *ReputationRegistry) GiveFeedback(ctx context.Context, fb Feedback) (TxOutcome, error) {
	if fb.AgentID == nil || fb.AgentID.Sign() < 0 {
		return TxOutcome{}, fmt.Errorf("giveFeedback: agent id required")
	}
	data, err := p.abi.Pack("giveFeedback",
		fb.AgentID, big.NewInt(fb.Value), uint8(0), fb.Tag1, fb.Tag2, fb.Endpoint, "", [32]byte{})
	if err != nil {
		return TxOutcome{}, fmt.Errorf("pack giveFeedback: %w", err)
	}
	out, _, err := p.registry.transact(ctx, p.address, p.GasLimit, data)
	if err != nil {
		return out, fmt.Errorf("giveFeedback: %w", err)
	}
	return out, nil
}

// Summary reads the aggregate over all clients, optionally filtered by tag1.
func (p *ReputationRegistry) Summary(ctx context.Context, agentID *big.Int, tag1 string) (ReputationSummary, error) {
	out, err := p.registry.callAt(ctx, p.address, p.abi, "getSummary", agentID, []common.Address{}, tag1, "")
	if err != nil {
		return ReputationSummary{}, err
	}
	if len(out) != 3 {
		return ReputationSummary{}, fmt.Errorf("getSummary: unexpected result length %d", len(out))
	}
	count, ok1 := out[0].(uint64)
	value, ok2 := out[1].(*big.Int)
	decimals, ok3 := out[2].(uint8)
	if !ok1 || !ok2 || !ok3 {
		return ReputationSummary{}, fmt.Errorf("getSummary: unexpected result types %T %T %T", out[0], out[1], out[2])
	}
	return ReputationSummary{Count: count, Value: value, Decimals: decimals}, nil
}
