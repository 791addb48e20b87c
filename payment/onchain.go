// Package payment issues and verifies on-chain payment challenges: the caller
// transfers the settlement token to the expected recipient and submits the
// transaction hash, which is checked against the receipt's Transfer logs.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"moltmart/chain"
	"moltmart/challenge"
	coreerrors "moltmart/core/errors"
)

// Namespace is the challenge persistence namespace used by payment challenges.
const Namespace = "payment"

// Action is a paid marketplace action.
type Action string

const (
	ActionMint Action = "mint"
	ActionList Action = "list"
	ActionCall Action = "call"
)

// ParseAction validates a wire action name.
func ParseAction(value string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(value))) {
	case ActionMint:
		return ActionMint, nil
	case ActionList:
		return ActionList, nil
	case ActionCall:
		return ActionCall, nil
	default:
		return "", coreerrors.InvalidArgument(fmt.Sprintf("unknown action %q", value))
	}
}

// Sub-reasons reported with payment proof failures.
const (
	ReasonReceiptNotFound    = "receipt not found"
	ReasonReverted           = "reverted"
	ReasonNoMatchingTransfer = "no matching transfer"
	ReasonAmountInsufficient = "amount insufficient"
	ReasonTxAlreadyUsed      = "tx already used"
)

// ErrServiceNotFound is returned by a ServiceLookup for unknown services.
var ErrServiceNotFound = errors.New("service not found")

// ServiceLookup resolves who gets paid, and how much, for a call to a service.
type ServiceLookup interface {
	PaymentTarget(ctx context.Context, serviceID string) (sellerWallet string, priceMinorUnits uint64, err error)
}

// SpentTxs remembers transaction hashes already accepted as payment.
type SpentTxs interface {
	IsSpent(ctx context.Context, txHash string) (bool, error)
	// MarkSpent records txHash and reports false if it was already recorded.
	MarkSpent(ctx context.Context, rec SpentTx) (bool, error)
}

// SpentTx describes an accepted payment transaction.
type SpentTx struct {
	TxHash           string
	Wallet           string
	Action           Action
	ResourceID       string
	Recipient        string
	AmountMinorUnits uint64
}

// Prices holds platform fees in token minor units.
type Prices struct {
	MintMinorUnits uint64
	ListMinorUnits uint64
}

// Challenge is returned to the payer.
type Challenge struct {
	Action           Action `json:"action"`
	WalletAddress    string `json:"walletAddress"`
	ResourceID       string `json:"resourceId,omitempty"`
	Recipient        string `json:"recipient"`
	AmountMinorUnits uint64 `json:"amountMinorUnits"`
	Amount           string `json:"amount"`
	Token            string `json:"token"`
	ChainID          string `json:"chainId"`
	Nonce            string `json:"nonce"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

// Receipt describes a verified payment.
type Receipt struct {
	TxHash           string
	Payer            string
	Recipient        string
	Action           Action
	ResourceID       string
	AmountMinorUnits uint64
	PaidMinorUnits   *uint256.Int
}

type pendingPayment struct {
	Action           Action `json:"action"`
	Wallet           string `json:"wallet"`
	ResourceID       string `json:"resourceId,omitempty"`
	Recipient        string `json:"recipient"`
	AmountMinorUnits uint64 `json:"amountMinorUnits"`
}

// Config wires a Verifier.
type Config struct {
	Reader         chain.Reader
	ChainID        *big.Int
	Token          common.Address
	Decimals       int
	PlatformWallet common.Address
	Prices         Prices
	Services       ServiceLookup
	Spent          SpentTxs
	TTL            time.Duration
	Persistence    challenge.Persistence
	Now            func() time.Time
	Logger         *slog.Logger
}

// Verifier issues payment challenges and checks submitted transfers.
type Verifier struct {
	store    *challenge.Store[pendingPayment]
	reader   chain.Reader
	chainID  *big.Int
	token    common.Address
	decimals int
	platform string
	prices   Prices
	services ServiceLookup
	spent    SpentTxs
}

// NewVerifier builds a verifier backed by its own challenge store.
func NewVerifier(cfg Config) *Verifier {
	opts := []challenge.Option[pendingPayment]{
		challenge.WithClock[pendingPayment](cfg.Now),
		challenge.WithLogger[pendingPayment](cfg.Logger),
	}
	if cfg.Persistence != nil {
		opts = append(opts, challenge.WithPersistence[pendingPayment](cfg.Persistence))
	}
	decimals := cfg.Decimals
	if decimals <= 0 {
		decimals = DefaultDecimals
	}
	return &Verifier{
		store:    challenge.NewStore[pendingPayment](Namespace, cfg.TTL, opts...),
		reader:   cfg.Reader,
		chainID:  cfg.ChainID,
		token:    cfg.Token,
		decimals: decimals,
		platform: strings.ToLower(cfg.PlatformWallet.Hex()),
		prices:   cfg.Prices,
		services: cfg.Services,
		spent:    cfg.Spent,
	}
}

// Hydrate restores persisted challenges.
func (v *Verifier) Hydrate(ctx context.Context) error { return v.store.Hydrate(ctx) }

// Run sweeps expired challenges until ctx is done.
func (v *Verifier) Run(ctx context.Context, interval time.Duration) { v.store.Run(ctx, interval) }

// Quote resolves the recipient and amount for an action without issuing a challenge.
func (v *Verifier) Quote(ctx context.Context, action Action, resourceID string) (string, uint64, error) {
	switch action {
	case ActionMint:
		return v.platform, v.prices.MintMinorUnits, nil
	case ActionList:
		return v.platform, v.prices.ListMinorUnits, nil
	case ActionCall:
		if strings.TrimSpace(resourceID) == "" {
			return "", 0, coreerrors.InvalidArgument("resourceId required for call payments")
		}
		if v.services == nil {
			return "", 0, coreerrors.Internal(fmt.Errorf("service lookup not configured"))
		}
		seller, price, err := v.services.PaymentTarget(ctx, resourceID)
		if err != nil {
			if errors.Is(err, ErrServiceNotFound) {
				return "", 0, coreerrors.NotFound("service not found")
			}
			return "", 0, coreerrors.Internal(err)
		}
		recipient, err := chain.NormalizeAddress(seller)
		if err != nil {
			return "", 0, coreerrors.Internal(fmt.Errorf("service %s seller wallet: %w", resourceID, err))
		}
		return recipient, price, nil
	default:
		return "", 0, coreerrors.InvalidArgument(fmt.Sprintf("unknown action %q", action))
	}
}

// Issue creates a payment challenge for wallet. A new issuance for the same
// wallet, action and resource replaces the prior one.
func (v *Verifier) Issue(ctx context.Context, action Action, wallet, resourceID string) (Challenge, error) {
	normalized, err := chain.NormalizeAddress(wallet)
	if err != nil {
		return Challenge{}, coreerrors.InvalidArgument("invalid wallet address")
	}
	resourceID = strings.TrimSpace(resourceID)
	recipient, amount, err := v.Quote(ctx, action, resourceID)
	if err != nil {
		return Challenge{}, err
	}
	rec, err := v.store.Issue(ctx, Key(normalized, action, resourceID), pendingPayment{
		Action:           action,
		Wallet:           normalized,
		ResourceID:       resourceID,
		Recipient:        recipient,
		AmountMinorUnits: amount,
	})
	if err != nil {
		return Challenge{}, coreerrors.Internal(err)
	}
	chainID := ""
	if v.chainID != nil {
		chainID = v.chainID.String()
	}
	return Challenge{
		Action:           action,
		WalletAddress:    normalized,
		ResourceID:       resourceID,
		Recipient:        recipient,
		AmountMinorUnits: amount,
		Amount:           FormatAmount(amount, v.decimals),
		Token:            strings.ToLower(v.token.Hex()),
		ChainID:          chainID,
		Nonce:            rec.Nonce,
		ExpiresInSeconds: int(v.store.TTL() / time.Second),
	}, nil
}

// Verify checks txHash against the pending challenge for wallet and action.
// The challenge is consumed and the hash marked spent only on success.
func (v *Verifier) Verify(ctx context.Context, action Action, wallet, resourceID, txHash string) (Receipt, error) {
	normalized, err := chain.NormalizeAddress(wallet)
	if err != nil {
		return Receipt{}, coreerrors.InvalidArgument("invalid wallet address")
	}
	hash, err := chain.ParseTxHash(txHash)
	if err != nil {
		return Receipt{}, coreerrors.InvalidArgument(err.Error())
	}
	if v.reader == nil {
		return Receipt{}, coreerrors.New(coreerrors.CodeUpstreamUnavailable, "on-chain payments not configured")
	}
	resourceID = strings.TrimSpace(resourceID)
	key := Key(normalized, action, resourceID)
	rec, err := v.store.Get(ctx, key)
	if err != nil {
		return Receipt{}, challengeError(err)
	}
	hashHex := strings.ToLower(hash.Hex())
	if v.spent != nil {
		used, err := v.spent.IsSpent(ctx, hashHex)
		if err != nil {
			return Receipt{}, coreerrors.Internal(err)
		}
		if used {
			return Receipt{}, proofInvalid(ReasonTxAlreadyUsed)
		}
	}
	receipt, err := v.reader.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Receipt{}, proofInvalid(ReasonReceiptNotFound)
		}
		return Receipt{}, coreerrors.Wrap(coreerrors.CodeUpstreamUnavailable, "chain lookup failed", err)
	}
	if receipt == nil {
		return Receipt{}, proofInvalid(ReasonReceiptNotFound)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return Receipt{}, proofInvalid(ReasonReverted)
	}
	paid, err := v.matchTransfer(receipt, rec.Payload)
	if err != nil {
		return Receipt{}, err
	}
	// The transfer matched; consuming the challenge and recording the tx
	// must complete together even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	if _, err := v.store.Consume(ctx, key, rec.Nonce); err != nil {
		return Receipt{}, challengeError(err)
	}
	if v.spent != nil {
		fresh, err := v.spent.MarkSpent(ctx, SpentTx{
			TxHash:           hashHex,
			Wallet:           normalized,
			Action:           action,
			ResourceID:       resourceID,
			Recipient:        rec.Payload.Recipient,
			AmountMinorUnits: rec.Payload.AmountMinorUnits,
		})
		if err != nil {
			return Receipt{}, coreerrors.Internal(err)
		}
		if !fresh {
			return Receipt{}, proofInvalid(ReasonTxAlreadyUsed)
		}
	}
	return Receipt{
		TxHash:           hashHex,
		Payer:            normalized,
		Recipient:        rec.Payload.Recipient,
		Action:           action,
		ResourceID:       resourceID,
		AmountMinorUnits: rec.Payload.AmountMinorUnits,
		PaidMinorUnits:   paid,
	}, nil
}

// matchTransfer finds a token transfer from the payer to the recipient that
// covers the expected amount. Overpayment is accepted.
func (v *Verifier) matchTransfer(receipt *gethtypes.Receipt, expected pendingPayment) (*uint256.Int, error) {
	want := uint256.NewInt(expected.AmountMinorUnits)
	var best *uint256.Int
	for _, transfer := range chain.TokenTransfers(receipt, v.token) {
		if !strings.EqualFold(transfer.From.Hex(), expected.Wallet) {
			continue
		}
		if !strings.EqualFold(transfer.To.Hex(), expected.Recipient) {
			continue
		}
		if transfer.Amount.Cmp(want) >= 0 {
			return transfer.Amount, nil
		}
		if best == nil || transfer.Amount.Gt(best) {
			best = transfer.Amount
		}
	}
	if best == nil {
		return nil, proofInvalid(ReasonNoMatchingTransfer)
	}
	msg := fmt.Sprintf("payment rejected: paid %s, expected %s", best.Dec(), want.Dec())
	return nil, coreerrors.WithReason(coreerrors.CodePaymentAmountInsufficient, msg, ReasonAmountInsufficient).
		WithDetail("actualMinorUnits", best.Dec()).
		WithDetail("expectedMinorUnits", want.Dec())
}

// Key builds the challenge key wallet:action[:resourceId].
func Key(wallet string, action Action, resourceID string) string {
	key := strings.ToLower(wallet) + ":" + string(action)
	if resourceID != "" {
		key += ":" + resourceID
	}
	return key
}

func proofInvalid(reason string) error {
	return coreerrors.WithReason(coreerrors.CodePaymentProofInvalid, "payment rejected", reason)
}

func challengeError(err error) error {
	switch {
	case errors.Is(err, challenge.ErrNotFound):
		return coreerrors.New(coreerrors.CodeChallengeNotFound, "no pending payment challenge")
	case errors.Is(err, challenge.ErrExpired):
		return coreerrors.New(coreerrors.CodeChallengeExpired, "payment challenge expired, request a new one")
	default:
		return coreerrors.Internal(err)
	}
}
