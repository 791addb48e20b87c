// Package identity mints marketplace identity badges on the on-chain
// registry and keeps agent badges consistent with token ownership.
//
// A mint is two operator transactions: register (token minted to the
// operator) then transferFrom to the buyer. When register is not confirmed
// the record stays pending_mint with its transaction hash; when the second
// step fails it stays pending_transfer. RetryTransfer completes either.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"moltmart/chain"
	coreerrors "moltmart/core/errors"
	"moltmart/store"
)

// Registry is the identity registry surface the minter drives.
type Registry interface {
	Register(ctx context.Context, tokenURI string) (*big.Int, chain.TxOutcome, error)
	MintedBy(ctx context.Context, hash common.Hash) (*big.Int, chain.TxOutcome, error)
	TransferFromOperator(ctx context.Context, recipient common.Address, tokenID *big.Int) (chain.TxOutcome, error)
	OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Operator() common.Address
	Ref() string
}

// Records persists mints and agent badges.
type Records interface {
	CreateMint(ctx context.Context, rec *store.MintRecord) error
	SaveMint(ctx context.Context, rec *store.MintRecord) error
	MintByID(ctx context.Context, id uuid.UUID) (*store.MintRecord, error)
	LatestTokenFor(ctx context.Context, wallet string) (string, error)
	AssignIdentity(ctx context.Context, wallet, tokenID, registry string) ([]string, error)
	ClearIdentity(ctx context.Context, wallet string) (bool, error)
}

// Payment describes how a mint was paid for.
type Payment struct {
	Method         string
	Ref            string
	PaidMinorUnits uint64
}

// Badge is the identity credential shown for a wallet.
type Badge struct {
	HasIdentity bool   `json:"hasIdentity"`
	TokenID     string `json:"tokenId,omitempty"`
	TokenCount  string `json:"tokenCount,omitempty"`
	RegistryRef string `json:"registryRef,omitempty"`
}

// Minter mints and verifies identity tokens.
type Minter struct {
	registry Registry
	records  Records
	tokenURI func(wallet string) string
	logger   *slog.Logger
}

// NewMinter builds a minter. tokenURI renders the registration document URI
// for a recipient wallet.
func NewMinter(registry Registry, records Records, tokenURI func(wallet string) string, logger *slog.Logger) *Minter {
	if logger == nil {
		logger = slog.Default()
	}
	if tokenURI == nil {
		tokenURI = func(wallet string) string { return "" }
	}
	return &Minter{registry: registry, records: records, tokenURI: tokenURI, logger: logger}
}

// Enabled reports whether a registry is configured.
func (m *Minter) Enabled() bool { return m != nil && m.registry != nil }

// RegistryRef returns the registry reference or "" when disabled.
func (m *Minter) RegistryRef() string {
	if !m.Enabled() {
		return ""
	}
	return m.registry.Ref()
}

// MintFor mints a badge for wallet after payment was proven. The returned
// record is completed, pending_mint (register not confirmed),
// pending_transfer (token stuck with the operator) or manual (token held
// elsewhere). Payment is never reversed; only a failure to persist the
// record is returned as an error.
func (m *Minter) MintFor(ctx context.Context, wallet string, pay Payment) (*store.MintRecord, error) {
	if !m.Enabled() {
		return nil, coreerrors.New(coreerrors.CodeUpstreamUnavailable, "identity registry not configured")
	}
	recipient, err := chain.ParseAddress(wallet)
	if err != nil {
		return nil, coreerrors.InvalidArgument("invalid wallet address")
	}
	ctx = context.WithoutCancel(ctx)
	rec := &store.MintRecord{
		RecipientWallet: strings.ToLower(recipient.Hex()),
		Status:          store.MintPendingTransfer,
		PaymentMethod:   pay.Method,
		PaymentRef:      pay.Ref,
		PaidMinorUnits:  pay.PaidMinorUnits,
	}
	if err := m.records.CreateMint(ctx, rec); err != nil {
		return nil, coreerrors.Internal(fmt.Errorf("record mint: %w", err))
	}
	m.advance(ctx, rec, recipient)
	if err := m.records.SaveMint(ctx, rec); err != nil {
		return nil, coreerrors.Internal(fmt.Errorf("save mint: %w", err))
	}
	return rec, nil
}

// RetryTransfer re-drives a mint that did not complete. It is idempotent:
// a completed record, or a token the recipient already owns, just completes.
func (m *Minter) RetryTransfer(ctx context.Context, id uuid.UUID) (*store.MintRecord, error) {
	if !m.Enabled() {
		return nil, coreerrors.New(coreerrors.CodeUpstreamUnavailable, "identity registry not configured")
	}
	rec, err := m.records.MintByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, coreerrors.NotFound("mint not found")
	}
	if err != nil {
		return nil, coreerrors.Internal(err)
	}
	if rec.Status == store.MintCompleted {
		return rec, nil
	}
	recipient := common.HexToAddress(rec.RecipientWallet)
	ctx = context.WithoutCancel(ctx)
	m.advance(ctx, rec, recipient)
	if err := m.records.SaveMint(ctx, rec); err != nil {
		return nil, coreerrors.Internal(fmt.Errorf("save mint: %w", err))
	}
	return rec, nil
}

// advance moves rec as far towards completed as the chain allows. A register
// transaction recorded by an earlier attempt is resolved from its receipt
// and only sent again when it reverted.
func (m *Minter) advance(ctx context.Context, rec *store.MintRecord, recipient common.Address) {
	rec.Attempts++
	if rec.TokenID == "" && rec.MintTxHash != "" && !m.recoverMint(ctx, rec) {
		return
	}
	if rec.TokenID == "" {
		tokenID, out, err := m.registry.Register(ctx, m.tokenURI(rec.RecipientWallet))
		if out.Hash != (common.Hash{}) {
			rec.MintTxHash = out.Hash.Hex()
			rec.MintGasUsed, rec.MintGasPriceWei = out.GasUsed, weiString(out.GasPrice)
		}
		if err != nil {
			rec.Status = store.MintPendingMint
			if errors.Is(err, chain.ErrNoMintEvent) {
				rec.Status = store.MintManual
			}
			rec.LastError = truncate(err.Error())
			m.logger.Error("identity register failed", "mint", rec.ID, "wallet", rec.RecipientWallet, "tx", rec.MintTxHash, "error", err)
			return
		}
		rec.TokenID = tokenID.String()
	}
	tokenID, ok := new(big.Int).SetString(rec.TokenID, 10)
	if !ok {
		rec.Status = store.MintManual
		rec.LastError = "invalid token id " + rec.TokenID
		return
	}

	owner, err := m.registry.OwnerOf(ctx, tokenID)
	if err != nil {
		rec.Status = store.MintPendingTransfer
		rec.LastError = truncate(err.Error())
		return
	}
	switch owner {
	case recipient:
		m.complete(ctx, rec)
		return
	case m.registry.Operator():
	default:
		rec.Status = store.MintManual
		rec.LastError = "token held by " + strings.ToLower(owner.Hex())
		m.logger.Warn("identity token held by unexpected wallet", "mint", rec.ID, "token", rec.TokenID, "owner", owner.Hex())
		return
	}

	out, err := m.registry.TransferFromOperator(ctx, recipient, tokenID)
	if out.Hash != (common.Hash{}) {
		rec.TransferTxHash = out.Hash.Hex()
		rec.TransferGasUsed, rec.TransferGasPriceWei = out.GasUsed, weiString(out.GasPrice)
	}
	if err != nil {
		rec.Status = store.MintPendingTransfer
		rec.LastError = truncate(err.Error())
		m.logger.Error("identity transfer failed", "mint", rec.ID, "token", rec.TokenID, "wallet", rec.RecipientWallet, "error", err)
		return
	}
	m.complete(ctx, rec)
}

// recoverMint resolves rec.MintTxHash and reports whether advance may go on.
func (m *Minter) recoverMint(ctx context.Context, rec *store.MintRecord) bool {
	tokenID, out, err := m.registry.MintedBy(ctx, common.HexToHash(rec.MintTxHash))
	switch {
	case err == nil:
		rec.TokenID = tokenID.String()
		rec.MintGasUsed, rec.MintGasPriceWei = out.GasUsed, weiString(out.GasPrice)
		return true
	case errors.Is(err, chain.ErrReverted):
		m.logger.Warn("earlier register reverted, registering again", "mint", rec.ID, "tx", rec.MintTxHash)
		rec.MintTxHash = ""
		return true
	case errors.Is(err, chain.ErrNoMintEvent):
		rec.Status = store.MintManual
	default:
		rec.Status = store.MintPendingMint
	}
	rec.LastError = truncate(err.Error())
	return false
}

func (m *Minter) complete(ctx context.Context, rec *store.MintRecord) {
	rec.Status = store.MintCompleted
	rec.LastError = ""
	revoked, err := m.records.AssignIdentity(ctx, rec.RecipientWallet, rec.TokenID, m.registry.Ref())
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Minted for a wallet that has not registered yet; the badge is
		// picked up from the registry at registration.
	case err != nil:
		m.logger.Error("assign identity failed", "wallet", rec.RecipientWallet, "token", rec.TokenID, "error", err)
	case len(revoked) > 0:
		m.logger.Info("identity badge revoked", "token", rec.TokenID, "wallets", revoked)
	}
}

// VerifyToken checks on-chain that wallet owns tokenID and moves the badge
// to wallet's agent, revoking it from any prior holder.
func (m *Minter) VerifyToken(ctx context.Context, wallet, tokenID string) (Badge, []string, error) {
	if !m.Enabled() {
		return Badge{}, nil, coreerrors.New(coreerrors.CodeUpstreamUnavailable, "identity registry not configured")
	}
	addr, err := chain.ParseAddress(wallet)
	if err != nil {
		return Badge{}, nil, coreerrors.InvalidArgument("invalid wallet address")
	}
	id, ok := new(big.Int).SetString(strings.TrimSpace(tokenID), 10)
	if !ok || id.Sign() < 0 {
		return Badge{}, nil, coreerrors.InvalidArgument("tokenId must be a decimal integer")
	}
	owner, err := m.registry.OwnerOf(ctx, id)
	if err != nil {
		return Badge{}, nil, coreerrors.Wrap(coreerrors.CodeUpstreamUnavailable, "registry lookup failed", err)
	}
	if owner != addr {
		return Badge{}, nil, coreerrors.WithReason(coreerrors.CodeOwnershipProofInvalid, "token ownership not proven", "token owned by another wallet")
	}
	revoked, err := m.records.AssignIdentity(ctx, strings.ToLower(addr.Hex()), id.String(), m.registry.Ref())
	if errors.Is(err, store.ErrNotFound) {
		return Badge{}, nil, coreerrors.NotFound("agent not registered")
	}
	if err != nil {
		return Badge{}, nil, coreerrors.Internal(err)
	}
	return Badge{HasIdentity: true, TokenID: id.String(), RegistryRef: m.registry.Ref()}, revoked, nil
}

// Credentials reports the badge a wallet holds on-chain. The token id comes
// from the local mint history and is only reported while still owned.
func (m *Minter) Credentials(ctx context.Context, wallet string) (Badge, error) {
	if !m.Enabled() {
		return Badge{}, nil
	}
	addr, err := chain.ParseAddress(wallet)
	if err != nil {
		return Badge{}, coreerrors.InvalidArgument("invalid wallet address")
	}
	balance, err := m.registry.BalanceOf(ctx, addr)
	if err != nil {
		return Badge{}, fmt.Errorf("balanceOf: %w", err)
	}
	if balance.Sign() == 0 {
		// The token left this wallet; drop a badge cached from earlier.
		if cleared, err := m.records.ClearIdentity(ctx, wallet); err != nil {
			m.logger.Warn("clear stale identity failed", "wallet", wallet, "error", err)
		} else if cleared {
			m.logger.Info("identity badge cleared", "wallet", strings.ToLower(addr.Hex()))
		}
		return Badge{}, nil
	}
	badge := Badge{HasIdentity: true, TokenCount: balance.String(), RegistryRef: m.registry.Ref()}
	cached, err := m.records.LatestTokenFor(ctx, wallet)
	if err != nil {
		return badge, nil
	}
	if id, ok := new(big.Int).SetString(cached, 10); ok {
		if owner, err := m.registry.OwnerOf(ctx, id); err == nil && owner == addr {
			badge.TokenID = cached
		}
	}
	return badge, nil
}

func weiString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func truncate(s string) string {
	if len(s) > 512 {
		return s[:512]
	}
	return s
}
