package chain

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultCallTimeout bounds each individual RPC round trip.
const DefaultCallTimeout = 10 * time.Second

// Reader is the subset of the Ethereum RPC used to inspect submitted proofs.
type Reader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
}

// Backend extends Reader with the calls needed to send operator transactions.
type Backend interface {
	Reader
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client wraps an ethclient so every call carries its own deadline.
type Client struct {
	eth     *ethclient.Client
	timeout time.Duration
}

// Dial connects to an EVM JSON-RPC endpoint. HTTP transports are traced with otelhttp.
func Dial(ctx context.Context, endpoint string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	raw, err := rpc.DialOptions(ctx, trimmed, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial evm endpoint: %w", err)
	}
	return &Client{eth: ethclient.NewClient(raw), timeout: timeout}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c != nil && c.eth != nil {
		c.eth.Close()
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.TransactionByHash(ctx, hash)
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.TransactionReceipt(ctx, hash)
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.CallContract(ctx, msg, blockNumber)
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.PendingNonceAt(ctx, account)
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.SuggestGasPrice(ctx)
}

func (c *Client) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.SendTransaction(ctx, tx)
}

// BlockNumber returns the current chain head, used by health checks.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.BlockNumber(ctx)
}

// Sender recovers the sender of tx for the given chain id.
func Sender(chainID *big.Int, tx *gethtypes.Transaction) (common.Address, error) {
	if tx == nil {
		return common.Address{}, fmt.Errorf("transaction required")
	}
	signer := gethtypes.LatestSignerForChainID(chainID)
	from, err := gethtypes.Sender(signer, tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover sender: %w", err)
	}
	return from, nil
}

// ParseAddress validates a 0x-prefixed hex address.
func ParseAddress(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", value)
	}
	return common.HexToAddress(trimmed), nil
}

// ParseTxHash validates a 0x-prefixed 32-byte transaction hash.
func ParseTxHash(value string) (common.Hash, error) {
	trimmed := strings.TrimSpace(value)
	raw := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(raw) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", value)
	}
	for _, r := range raw {
		if !isHexDigit(r) {
			return common.Hash{}, fmt.Errorf("invalid transaction hash %q", value)
		}
	}
	return common.HexToHash(raw), nil
}

// NormalizeAddress returns the canonical lowercase hex form of a wallet address.
func NormalizeAddress(value string) (string, error) {
	addr, err := ParseAddress(value)
	if err != nil {
		return "", err
	}
	return strings.ToLower(addr.Hex()), nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
