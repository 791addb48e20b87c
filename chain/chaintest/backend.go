// Package chaintest provides an in-memory chain backend for tests. It serves
// canned transactions and receipts and simulates the identity and reputation
// registries.
package chaintest

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"moltmart/chain"
)

// Backend implements chain.Backend in memory.
type Backend struct {
	ChainID *big.Int

	// Err, when set, is returned by every read call.
	Err error
	// RejectTransfers makes the simulated registry refuse transferFrom broadcasts.
	RejectTransfers bool
	// HoldReceipts executes broadcasts but withholds their receipts until
	// ReleaseReceipts is called.
	HoldReceipts bool

	mu       sync.Mutex
	txs      map[common.Hash]*gethtypes.Transaction
	pending  map[common.Hash]bool
	receipts map[common.Hash]*gethtypes.Receipt
	nonces   map[common.Address]uint64
	sent     []*gethtypes.Transaction
	head     uint64

	held []*gethtypes.Receipt

	registry    common.Address
	registryABI abi.ABI
	owners      map[string]common.Address
	nextTokenID int64

	reputation    common.Address
	reputationABI abi.ABI
	feedback      map[string][]int64
}

// Gas the simulated contracts charge per call.
const (
	RegisterGas     = 120_000
	TransferGas     = 55_000
	GiveFeedbackGas = 80_000
)

// NewBackend returns an empty backend for chainID.
func NewBackend(chainID int64) *Backend {
	parsed, err := abi.JSON(strings.NewReader(chain.IdentityRegistryABI))
	if err != nil {
		panic(err)
	}
	reputation, err := abi.JSON(strings.NewReader(chain.ReputationRegistryABI))
	if err != nil {
		panic(err)
	}
	return &Backend{
		ChainID:     big.NewInt(chainID),
		txs:         make(map[common.Hash]*gethtypes.Transaction),
		pending:     make(map[common.Hash]bool),
		receipts:    make(map[common.Hash]*gethtypes.Receipt),
		nonces:      make(map[common.Address]uint64),
		registryABI: parsed,
		owners:      make(map[string]common.Address),
		nextTokenID: 1,
		head:        1,

		reputationABI: reputation,
		feedback:      make(map[string][]int64),
	}
}

// WithRegistry enables the identity registry simulation at address.
func (b *Backend) WithRegistry(address common.Address) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registry = address
	return b
}

// WithReputation enables the reputation registry simulation at address.
func (b *Backend) WithReputation(address common.Address) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reputation = address
	return b
}

// Feedback returns the values submitted for agentID.
func (b *Backend) Feedback(agentID *big.Int) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.feedback[agentID.String()]...)
}

// ReleaseReceipts publishes receipts withheld while HoldReceipts was set.
func (b *Backend) ReleaseReceipts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, receipt := range b.held {
		b.receipts[receipt.TxHash] = receipt
	}
	b.held = nil
}

// AddTransaction makes tx retrievable by hash.
func (b *Backend) AddTransaction(tx *gethtypes.Transaction, pending bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txs[tx.Hash()] = tx
	b.pending[tx.Hash()] = pending
}

// AddReceipt makes receipt retrievable by its TxHash.
func (b *Backend) AddReceipt(receipt *gethtypes.Receipt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts[receipt.TxHash] = receipt
}

// SetOwner assigns a registry token to owner directly.
func (b *Backend) SetOwner(tokenID *big.Int, owner common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owners[tokenID.String()] = owner
}

// Owner reports the simulated holder of tokenID.
func (b *Backend) Owner(tokenID *big.Int) (common.Address, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	owner, ok := b.owners[tokenID.String()]
	return owner, ok
}

// Sent returns the transactions broadcast through SendTransaction.
func (b *Backend) Sent() []*gethtypes.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*gethtypes.Transaction(nil), b.sent...)
}

func (b *Backend) TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, false, b.Err
	}
	tx, ok := b.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, b.pending[hash], nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	receipt, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	if msg.To != nil && *msg.To == b.reputation && b.reputation != (common.Address{}) {
		return b.callReputation(msg.Data)
	}
	if msg.To == nil || *msg.To != b.registry || len(msg.Data) < 4 {
		return nil, errors.New("execution reverted")
	}
	method, err := b.registryABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "ownerOf":
		owner, ok := b.owners[args[0].(*big.Int).String()]
		if !ok {
			return nil, errors.New("execution reverted: ERC721NonexistentToken")
		}
		return method.Outputs.Pack(owner)
	case "balanceOf":
		holder := args[0].(common.Address)
		count := int64(0)
		for _, owner := range b.owners {
			if owner == holder {
				count++
			}
		}
		return method.Outputs.Pack(big.NewInt(count))
	default:
		return nil, fmt.Errorf("call %s not supported", method.Name)
	}
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return 0, b.Err
	}
	return b.head, nil
}

// SendTransaction executes registry calls against the simulated token
// ownership table and records a receipt for the transaction.
func (b *Backend) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(b.ChainID), tx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if tx.To() == nil || len(tx.Data()) < 4 {
		return errors.New("unsupported transaction")
	}
	contract := b.registryABI
	switch *tx.To() {
	case b.registry:
	case b.reputation:
		contract = b.reputationABI
	default:
		return errors.New("unsupported transaction")
	}
	method, err := contract.MethodById(tx.Data()[:4])
	if err != nil {
		return err
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return err
	}
	receipt := &gethtypes.Receipt{
		TxHash:            tx.Hash(),
		Status:            gethtypes.ReceiptStatusSuccessful,
		BlockNumber:       new(big.Int).SetUint64(b.head),
		EffectiveGasPrice: tx.GasPrice(),
	}
	switch method.Name {
	case "register":
		tokenID := big.NewInt(b.nextTokenID)
		b.nextTokenID++
		b.owners[tokenID.String()] = from
		receipt.GasUsed = RegisterGas
		receipt.Logs = []*gethtypes.Log{ERC721TransferLog(b.registry, common.Address{}, from, tokenID)}
	case "giveFeedback":
		agentID := args[0].(*big.Int)
		if _, ok := b.owners[agentID.String()]; !ok {
			receipt.Status = gethtypes.ReceiptStatusFailed
			break
		}
		receipt.GasUsed = GiveFeedbackGas
		b.feedback[agentID.String()] = append(b.feedback[agentID.String()], args[1].(*big.Int).Int64())
	case "transferFrom":
		if b.RejectTransfers {
			return errors.New("replacement transaction underpriced")
		}
		src := args[0].(common.Address)
		dst := args[1].(common.Address)
		tokenID := args[2].(*big.Int)
		if owner, ok := b.owners[tokenID.String()]; !ok || owner != src || src != from {
			receipt.Status = gethtypes.ReceiptStatusFailed
			break
		}
		b.owners[tokenID.String()] = dst
		receipt.GasUsed = TransferGas
		receipt.Logs = []*gethtypes.Log{ERC721TransferLog(b.registry, src, dst, tokenID)}
	default:
		return fmt.Errorf("method %s not supported", method.Name)
	}
	b.nonces[from]++
	b.head++
	b.sent = append(b.sent, tx)
	b.txs[tx.Hash()] = tx
	if b.HoldReceipts {
		b.held = append(b.held, receipt)
		return nil
	}
	b.receipts[tx.Hash()] = receipt
	return nil
}

// callReputation answers getSummary with the average submitted value at two
// decimals. Callers hold b.mu.
func (b *Backend) callReputation(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errors.New("execution reverted")
	}
	method, err := b.reputationABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	if method.Name != "getSummary" {
		return nil, fmt.Errorf("call %s not supported", method.Name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	values := b.feedback[args[0].(*big.Int).String()]
	if len(values) == 0 {
		return method.Outputs.Pack(uint64(0), new(big.Int), uint8(0))
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	avg := big.NewInt(sum * 100 / int64(len(values)))
	return method.Outputs.Pack(uint64(len(values)), avg, uint8(2))
}

// NewKey returns a fresh secp256k1 key and its address.
func NewKey() (*ecdsa.PrivateKey, common.Address) {
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key, gethcrypto.PubkeyToAddress(key.PublicKey)
}

// SignTx builds and signs a legacy transaction from key.
func SignTx(key *ecdsa.PrivateKey, chainID *big.Int, nonce uint64, to common.Address, value *big.Int, data []byte) *gethtypes.Transaction {
	if value == nil {
		value = new(big.Int)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      21_000 + uint64(len(data))*16,
		GasPrice: big.NewInt(1_000_000_000),
		Data:     bytes.Clone(data),
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		panic(err)
	}
	return signed
}

// ERC20TransferLog builds a token Transfer log.
func ERC20TransferLog(token, from, to common.Address, amount *big.Int) *gethtypes.Log {
	return &gethtypes.Log{
		Address: token,
		Topics: []common.Hash{
			chain.TransferEventTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(amount.Bytes(), 32),
	}
}

// ERC721TransferLog builds an NFT Transfer log carrying tokenID as a topic.
func ERC721TransferLog(registry, from, to common.Address, tokenID *big.Int) *gethtypes.Log {
	return &gethtypes.Log{
		Address: registry,
		Topics: []common.Hash{
			chain.TransferEventTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.BigToHash(tokenID),
		},
	}
}

// Receipt builds a receipt for txHash with the given status and logs.
func Receipt(txHash common.Hash, status uint64, logs ...*gethtypes.Log) *gethtypes.Receipt {
	return &gethtypes.Receipt{
		TxHash:      txHash,
		Status:      status,
		BlockNumber: big.NewInt(1),
		Logs:        logs,
	}
}
