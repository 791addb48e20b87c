package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// IdentityRegistryABI covers the ERC-721 identity registry surface used by the marketplace.
const IdentityRegistryABI = `[
 {"type":"function","name":"register","stateMutability":"nonpayable","inputs":[{"name":"tokenURI","type":"string"}],"outputs":[{"name":"agentId","type":"uint256"}]},
 {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"owner","type":"address"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"balance","type":"uint256"}]},
 {"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]}
]`

const (
	defaultRegistryGasLimit   = 300_000
	defaultReceiptPoll        = 2 * time.Second
	defaultReceiptWaitTimeout = 60 * time.Second
)

var (
	// ErrReadOnly is returned by mutating registry calls when no operator key is configured.
	ErrReadOnly = errors.New("identity registry operator key not configured")
	// ErrReverted is returned when an operator transaction was mined but failed.
	ErrReverted = errors.New("transaction reverted")
	// ErrNoMintEvent is returned when a register receipt carries no mint Transfer log.
	ErrNoMintEvent = errors.New("mint event not found in receipt")
	// ErrNotMined is returned when a transaction has no receipt yet.
	ErrNotMined = errors.New("transaction not mined")
)

// TxOutcome is what the chain reported for an operator transaction. Hash is
// set as soon as the transaction was broadcast, even when waiting for the
// receipt later failed.
type TxOutcome struct {
	Hash     common.Hash
	GasUsed  uint64
	GasPrice *big.Int
}

// Fee returns GasUsed times GasPrice in wei.
func (o TxOutcome) Fee() *big.Int {
	if o.GasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(o.GasUsed), o.GasPrice)
}

func outcomeOf(receipt *gethtypes.Receipt, sentPrice *big.Int) TxOutcome {
	out := TxOutcome{Hash: receipt.TxHash, GasUsed: receipt.GasUsed, GasPrice: sentPrice}
	if receipt.EffectiveGasPrice != nil && receipt.EffectiveGasPrice.Sign() > 0 {
		out.GasPrice = new(big.Int).Set(receipt.EffectiveGasPrice)
	}
	return out
}

// Registry talks to the on-chain identity registry. Mutating calls are
// signed locally with the operator key and serialised so nonces never collide.
type Registry struct {
	backend  Backend
	address  common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	operator common.Address
	abi      abi.ABI

	GasLimit       uint64
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration

	sendMu sync.Mutex
}

// NewRegistry builds a registry client. key may be nil for read-only use.
func NewRegistry(backend Backend, address common.Address, chainID *big.Int, key *ecdsa.PrivateKey) (*Registry, error) {
	if backend == nil {
		return nil, fmt.Errorf("registry backend required")
	}
	if address == (common.Address{}) {
		return nil, fmt.Errorf("registry address required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id required")
	}
	parsed, err := abi.JSON(strings.NewReader(IdentityRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	r := &Registry{
		backend:        backend,
		address:        address,
		chainID:        new(big.Int).Set(chainID),
		key:            key,
		abi:            parsed,
		GasLimit:       defaultRegistryGasLimit,
		ReceiptPoll:    defaultReceiptPoll,
		ReceiptTimeout: defaultReceiptWaitTimeout,
	}
	if key != nil {
		r.operator = gethcrypto.PubkeyToAddress(key.PublicKey)
	}
	return r, nil
}

// Address returns the registry contract address.
func (r *Registry) Address() common.Address { return r.address }

// Operator returns the address that signs mint and transfer transactions.
func (r *Registry) Operator() common.Address { return r.operator }

// Ref returns the CAIP-style reference of the registry, eip155:<chain>:<address>.
func (r *Registry) Ref() string {
	return fmt.Sprintf("eip155:%s:%s", r.chainID.String(), r.address.Hex())
}

// OwnerOf returns the current holder of tokenID.
func (r *Registry) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	out, err := r.call(ctx, "ownerOf", tokenID)
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ownerOf: unexpected result %T", out[0])
	}
	return owner, nil
}

// BalanceOf returns how many identity tokens owner holds.
func (r *Registry) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := r.call(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected result %T", out[0])
	}
	return balance, nil
}

// Register mints a new identity token to the operator and returns its id.
// The outcome carries the transaction hash whenever it was broadcast, so a
// caller can later resolve the token with MintedBy instead of registering
// twice.
func (r *Registry) Register(ctx context.Context, tokenURI string) (*big.Int, TxOutcome, error) {
	data, err := r.abi.Pack("register", tokenURI)
	if err != nil {
		return nil, TxOutcome{}, fmt.Errorf("pack register: %w", err)
	}
	out, receipt, err := r.transact(ctx, r.address, r.GasLimit, data)
	if err != nil {
		return nil, out, fmt.Errorf("register: %w", err)
	}
	tokenID, ok := MintedTokenID(receipt, r.address)
	if !ok {
		return nil, out, ErrNoMintEvent
	}
	return tokenID, out, nil
}

// MintedBy resolves the token minted by an earlier register transaction.
// It returns ErrNotMined while the transaction has no receipt and
// ErrReverted when it failed without minting.
func (r *Registry) MintedBy(ctx context.Context, hash common.Hash) (*big.Int, TxOutcome, error) {
	receipt, err := r.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return nil, TxOutcome{Hash: hash}, ErrNotMined
	}
	if err != nil {
		return nil, TxOutcome{Hash: hash}, fmt.Errorf("fetch receipt %s: %w", hash.Hex(), err)
	}
	out := outcomeOf(receipt, nil)
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, out, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
	}
	tokenID, ok := MintedTokenID(receipt, r.address)
	if !ok {
		return nil, out, ErrNoMintEvent
	}
	return tokenID, out, nil
}

// TransferFromOperator moves tokenID from the operator to recipient.
func (r *Registry) TransferFromOperator(ctx context.Context, recipient common.Address, tokenID *big.Int) (TxOutcome, error) {
	data, err := r.abi.Pack("transferFrom", r.operator, recipient, tokenID)
	if err != nil {
		return TxOutcome{}, fmt.Errorf("pack transferFrom: %w", err)
	}
	out, _, err := r.transact(ctx, r.address, r.GasLimit, data)
	if err != nil {
		return out, fmt.Errorf("transfer: %w", err)
	}
	return out, nil
}

func (r *Registry) call(ctx context.Context, method string, args ...any) ([]any, error) {
	return r.callAt(ctx, r.address, r.abi, method, args...)
}

func (r *Registry) callAt(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out, nil
}

func (r *Registry) transact(ctx context.Context, to common.Address, gasLimit uint64, data []byte) (TxOutcome, *gethtypes.Receipt, error) {
	if r.key == nil {
		return TxOutcome{}, nil, ErrReadOnly
	}
	hash, gasPrice, err := r.send(ctx, to, gasLimit, data)
	if err != nil {
		return TxOutcome{}, nil, err
	}
	out := TxOutcome{Hash: hash, GasPrice: gasPrice}
	receipt, err := r.waitReceipt(ctx, hash)
	if err != nil {
		return out, nil, err
	}
	out = outcomeOf(receipt, gasPrice)
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return out, receipt, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
	}
	return out, receipt, nil
}

// send signs and broadcasts one operator transaction. Every contract shares
// the registry's send lock since they all draw from the operator nonce.
func (r *Registry) send(ctx context.Context, to common.Address, gasLimit uint64, data []byte) (common.Hash, *big.Int, error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	nonce, err := r.backend.PendingNonceAt(ctx, r.operator)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("operator nonce: %w", err)
	}
	gasPrice, err := r.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("gas price: %w", err)
	}
	if gasLimit == 0 {
		gasLimit = defaultRegistryGasLimit
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(r.chainID), r.key)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, nil, fmt.Errorf("send transaction: %w", err)
	}
	return signed.Hash(), gasPrice, nil
}

func (r *Registry) waitReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	timeout := r.ReceiptTimeout
	if timeout <= 0 {
		timeout = defaultReceiptWaitTimeout
	}
	poll := r.ReceiptPoll
	if poll <= 0 {
		poll = defaultReceiptPoll
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		receipt, err := r.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("fetch receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// ParsePrivateKey decodes a hex secp256k1 key with or without the 0x prefix.
func ParsePrivateKey(material string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(material), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("private key material empty")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid private key material: %w", err)
	}
	return key, nil
}
