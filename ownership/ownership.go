// Package ownership proves that a caller controls a wallet, either with an
// EIP-191 signature or, for custodial wallets that cannot sign messages, by
// broadcasting a zero-value transaction that carries a server-issued nonce.
package ownership

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"moltmart/chain"
	"moltmart/challenge"
	coreerrors "moltmart/core/errors"
)

// Namespace is the challenge persistence namespace used by ownership proofs.
const Namespace = "ownership"

// Sub-reasons reported with CodeOwnershipProofInvalid.
const (
	ReasonSenderMismatch   = "sender mismatch"
	ReasonTargetMismatch   = "target mismatch"
	ReasonCalldataMismatch = "calldata mismatch"
	ReasonSignatureInvalid = "signature invalid"
	ReasonTxNotFound       = "transaction not found"
)

// ProofMethod selects how ownership is demonstrated.
type ProofMethod int

const (
	ProofSignature ProofMethod = iota + 1
	ProofOnchainTx
)

func (m ProofMethod) String() string {
	switch m {
	case ProofSignature:
		return "signature"
	case ProofOnchainTx:
		return "onchain_tx"
	default:
		return "unknown"
	}
}

// Proof is a resolved ownership proof. Exactly one of Signature or TxHash is set,
// matching Method.
type Proof struct {
	Method    ProofMethod
	Signature []byte
	TxHash    common.Hash
}

// ResolveProof picks the proof method from whichever field the caller supplied.
func ResolveProof(signature, txHash string) (Proof, error) {
	signature = strings.TrimSpace(signature)
	txHash = strings.TrimSpace(txHash)
	switch {
	case signature != "" && txHash != "":
		return Proof{}, coreerrors.InvalidArgument("provide either signature or txHash, not both")
	case signature != "":
		raw, err := hexutil.Decode(signature)
		if err != nil {
			return Proof{}, coreerrors.WithReason(coreerrors.CodeOwnershipProofInvalid, "ownership proof rejected", ReasonSignatureInvalid)
		}
		return Proof{Method: ProofSignature, Signature: raw}, nil
	case txHash != "":
		hash, err := chain.ParseTxHash(txHash)
		if err != nil {
			return Proof{}, coreerrors.InvalidArgument(err.Error())
		}
		return Proof{Method: ProofOnchainTx, TxHash: hash}, nil
	default:
		return Proof{}, coreerrors.InvalidArgument("signature or txHash required")
	}
}

// pending is the payload stored for an outstanding challenge.
type pending struct {
	Method ProofMethod `json:"method"`
	Target string      `json:"target,omitempty"`
}

// SignatureChallenge is returned to callers that will sign a message.
type SignatureChallenge struct {
	Challenge        string `json:"challenge"`
	WalletAddress    string `json:"walletAddress"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

// OnchainChallenge tells a custodial wallet which transaction to broadcast.
type OnchainChallenge struct {
	WalletAddress    string `json:"walletAddress"`
	Nonce            string `json:"nonce"`
	Target           string `json:"target"`
	Value            string `json:"value"`
	Calldata         string `json:"calldata"`
	ChainID          string `json:"chainId"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

// Config wires a Verifier. Reader may be nil when on-chain proofs are disabled.
type Config struct {
	Reader      chain.Reader
	ChainID     *big.Int
	Target      common.Address
	TTL         time.Duration
	Persistence challenge.Persistence
	Now         func() time.Time
	Logger      *slog.Logger
}

// Verifier issues and checks ownership challenges.
type Verifier struct {
	store   *challenge.Store[pending]
	reader  chain.Reader
	chainID *big.Int
	target  common.Address
}

// NewVerifier builds a verifier backed by its own challenge store.
func NewVerifier(cfg Config) *Verifier {
	opts := []challenge.Option[pending]{
		challenge.WithClock[pending](cfg.Now),
		challenge.WithLogger[pending](cfg.Logger),
	}
	if cfg.Persistence != nil {
		opts = append(opts, challenge.WithPersistence[pending](cfg.Persistence))
	}
	return &Verifier{
		store:   challenge.NewStore[pending](Namespace, cfg.TTL, opts...),
		reader:  cfg.Reader,
		chainID: cfg.ChainID,
		target:  cfg.Target,
	}
}

// Hydrate restores persisted challenges.
func (v *Verifier) Hydrate(ctx context.Context) error { return v.store.Hydrate(ctx) }

// Run sweeps expired challenges until ctx is done.
func (v *Verifier) Run(ctx context.Context, interval time.Duration) { v.store.Run(ctx, interval) }

// IssueSignature returns the fixed challenge text for wallet and arms a
// single-use slot for it.
func (v *Verifier) IssueSignature(ctx context.Context, wallet string) (SignatureChallenge, error) {
	normalized, err := normalizeWallet(wallet)
	if err != nil {
		return SignatureChallenge{}, err
	}
	text := ChallengeText(normalized)
	if _, err := v.store.Put(ctx, signatureKey(normalized), text, pending{Method: ProofSignature}); err != nil {
		return SignatureChallenge{}, coreerrors.Internal(err)
	}
	return SignatureChallenge{
		Challenge:        text,
		WalletAddress:    normalized,
		ExpiresInSeconds: int(v.store.TTL() / time.Second),
	}, nil
}

// IssueOnchain returns a fresh nonce the wallet must send as calldata to the
// fixed target with zero value.
func (v *Verifier) IssueOnchain(ctx context.Context, wallet string) (OnchainChallenge, error) {
	normalized, err := normalizeWallet(wallet)
	if err != nil {
		return OnchainChallenge{}, err
	}
	if v.reader == nil {
		return OnchainChallenge{}, coreerrors.New(coreerrors.CodeUpstreamUnavailable, "on-chain verification not configured")
	}
	target := strings.ToLower(v.target.Hex())
	rec, err := v.store.Issue(ctx, onchainKey(normalized), pending{Method: ProofOnchainTx, Target: target})
	if err != nil {
		return OnchainChallenge{}, coreerrors.Internal(err)
	}
	chainID := ""
	if v.chainID != nil {
		chainID = v.chainID.String()
	}
	return OnchainChallenge{
		WalletAddress:    normalized,
		Nonce:            rec.Nonce,
		Target:           target,
		Value:            "0",
		Calldata:         rec.Nonce,
		ChainID:          chainID,
		ExpiresInSeconds: int(v.store.TTL() / time.Second),
	}, nil
}

// Verify checks proof for wallet and consumes the matching challenge on success.
// On mismatch the challenge stays in place so the caller can retry with a
// corrected transaction.
func (v *Verifier) Verify(ctx context.Context, wallet string, proof Proof) (string, error) {
	normalized, err := normalizeWallet(wallet)
	if err != nil {
		return "", err
	}
	switch proof.Method {
	case ProofSignature:
		err = v.verifySignature(ctx, normalized, proof.Signature)
	case ProofOnchainTx:
		err = v.verifyOnchain(ctx, normalized, proof.TxHash)
	default:
		err = coreerrors.InvalidArgument("unknown proof method")
	}
	if err != nil {
		return "", err
	}
	return normalized, nil
}

func (v *Verifier) verifySignature(ctx context.Context, wallet string, signature []byte) error {
	key := signatureKey(wallet)
	rec, err := v.store.Get(ctx, key)
	if err != nil {
		return challengeError(err)
	}
	signer, err := RecoverPersonalSigner(rec.Nonce, signature)
	if err != nil || !strings.EqualFold(signer.Hex(), wallet) {
		return proofInvalid(ReasonSignatureInvalid)
	}
	if _, err := v.store.Consume(ctx, key, rec.Nonce); err != nil {
		return challengeError(err)
	}
	return nil
}

func (v *Verifier) verifyOnchain(ctx context.Context, wallet string, txHash common.Hash) error {
	if v.reader == nil {
		return coreerrors.New(coreerrors.CodeUpstreamUnavailable, "on-chain verification not configured")
	}
	key := onchainKey(wallet)
	rec, err := v.store.Get(ctx, key)
	if err != nil {
		return challengeError(err)
	}
	tx, _, err := v.reader.TransactionByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return proofInvalid(ReasonTxNotFound)
		}
		return coreerrors.Wrap(coreerrors.CodeUpstreamUnavailable, "chain lookup failed", err)
	}
	sender, err := chain.Sender(v.chainID, tx)
	if err != nil || !strings.EqualFold(sender.Hex(), wallet) {
		return proofInvalid(ReasonSenderMismatch)
	}
	if tx.To() == nil || !strings.EqualFold(tx.To().Hex(), rec.Payload.Target) {
		return proofInvalid(ReasonTargetMismatch)
	}
	expected, err := hexutil.Decode(rec.Nonce)
	if err != nil {
		return coreerrors.Internal(err)
	}
	if !bytes.Equal(tx.Data(), expected) {
		return proofInvalid(ReasonCalldataMismatch)
	}
	if _, err := v.store.Consume(ctx, key, rec.Nonce); err != nil {
		return challengeError(err)
	}
	return nil
}

func signatureKey(wallet string) string { return "sig:" + wallet }

func onchainKey(wallet string) string { return "tx:" + wallet }

func normalizeWallet(wallet string) (string, error) {
	normalized, err := chain.NormalizeAddress(wallet)
	if err != nil {
		return "", coreerrors.InvalidArgument("invalid wallet address")
	}
	return normalized, nil
}

func proofInvalid(reason string) error {
	return coreerrors.WithReason(coreerrors.CodeOwnershipProofInvalid, "ownership proof rejected", reason)
}

func challengeError(err error) error {
	switch {
	case errors.Is(err, challenge.ErrNotFound):
		return coreerrors.New(coreerrors.CodeChallengeNotFound, "no pending challenge for wallet")
	case errors.Is(err, challenge.ErrExpired):
		return coreerrors.New(coreerrors.CodeChallengeExpired, "challenge expired, request a new one")
	default:
		return coreerrors.Internal(err)
	}
}
