package chain_test

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"moltmart/chain"
	"moltmart/chain/chaintest"
)

func TestTokenTransfersFiltersByTokenAndShape(t *testing.T) {
	token := common.HexToAddress("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913")
	other := common.HexToAddress("0x0000000000000000000000000000000000000abc")
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	receipt := chaintest.Receipt(common.HexToHash("0x01"), gethtypes.ReceiptStatusSuccessful,
		chaintest.ERC20TransferLog(other, from, to, big.NewInt(1)),
		chaintest.ERC721TransferLog(token, from, to, big.NewInt(9)),
		chaintest.ERC20TransferLog(token, from, to, big.NewInt(50_000)),
	)

	transfers := chain.TokenTransfers(receipt, token)
	require.Len(t, transfers, 1)
	require.Equal(t, from, transfers[0].From)
	require.Equal(t, to, transfers[0].To)
	require.Equal(t, uint64(50_000), transfers[0].Amount.Uint64())
}

func TestMintedTokenID(t *testing.T) {
	registry := common.HexToAddress("0x8004a169fb4a3325136eb29fa0ceb6d2e539a432")
	operator := common.HexToAddress("0x3333333333333333333333333333333333333333")
	receipt := chaintest.Receipt(common.HexToHash("0x02"), gethtypes.ReceiptStatusSuccessful,
		chaintest.ERC721TransferLog(registry, operator, operator, big.NewInt(3)),
		chaintest.ERC721TransferLog(registry, common.Address{}, operator, big.NewInt(42)),
	)
	id, ok := chain.MintedTokenID(receipt, registry)
	require.True(t, ok)
	require.Equal(t, int64(42), id.Int64())

	_, ok = chain.MintedTokenID(receipt, operator)
	require.False(t, ok)
}

func TestSenderRecoversSigner(t *testing.T) {
	key, addr := chaintest.NewKey()
	chainID := big.NewInt(8453)
	tx := chaintest.SignTx(key, chainID, 0, common.HexToAddress("0x01"), nil, []byte{0x01})

	sender, err := chain.Sender(chainID, tx)
	require.NoError(t, err)
	require.Equal(t, addr, sender)
}

func TestParseHelpers(t *testing.T) {
	_, err := chain.ParseAddress("0x123")
	require.Error(t, err)

	norm, err := chain.NormalizeAddress("0xAbCdEf0123456789aBcDeF0123456789AbCdEf01")
	require.NoError(t, err)
	require.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", norm)

	_, err = chain.ParseTxHash("0xzz")
	require.Error(t, err)
	hash, err := chain.ParseTxHash("0xab" + strings.Repeat("0", 62))
	require.NoError(t, err)
	require.Equal(t, byte(0xab), hash[0])
}

func TestRegistryMintTransferAndQueries(t *testing.T) {
	ctx := context.Background()
	registryAddr := common.HexToAddress("0x8004a169fb4a3325136eb29fa0ceb6d2e539a432")
	backend := chaintest.NewBackend(8453).WithRegistry(registryAddr)
	operatorKey, operator := chaintest.NewKey()
	_, recipient := chaintest.NewKey()

	registry, err := chain.NewRegistry(backend, registryAddr, backend.ChainID, operatorKey)
	require.NoError(t, err)
	registry.ReceiptPoll = time.Millisecond
	require.Equal(t, operator, registry.Operator())
	require.Equal(t, "eip155:8453:"+registryAddr.Hex(), registry.Ref())

	tokenID, minted, err := registry.Register(ctx, "https://moltmart.app/agents/1.json")
	require.NoError(t, err)
	require.NotEqual(t, common.Hash{}, minted.Hash)
	require.Equal(t, int64(1), tokenID.Int64())
	require.EqualValues(t, chaintest.RegisterGas, minted.GasUsed)
	require.Equal(t, "1000000000", minted.GasPrice.String())
	require.Equal(t, new(big.Int).Mul(big.NewInt(chaintest.RegisterGas), big.NewInt(1_000_000_000)), minted.Fee())

	again, _, err := registry.MintedBy(ctx, minted.Hash)
	require.NoError(t, err)
	require.Equal(t, tokenID, again)

	owner, err := registry.OwnerOf(ctx, tokenID)
	require.NoError(t, err)
	require.Equal(t, operator, owner)

	moved, err := registry.TransferFromOperator(ctx, recipient, tokenID)
	require.NoError(t, err)
	require.EqualValues(t, chaintest.TransferGas, moved.GasUsed)

	owner, err = registry.OwnerOf(ctx, tokenID)
	require.NoError(t, err)
	require.Equal(t, recipient, owner)

	balance, err := registry.BalanceOf(ctx, recipient)
	require.NoError(t, err)
	require.Equal(t, int64(1), balance.Int64())

	sent := backend.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, uint64(0), sent[0].Nonce())
	require.Equal(t, uint64(1), sent[1].Nonce())
}

func TestRegistryTransferRevertAndReadOnly(t *testing.T) {
	ctx := context.Background()
	registryAddr := common.HexToAddress("0x8004a169fb4a3325136eb29fa0ceb6d2e539a432")
	backend := chaintest.NewBackend(8453).WithRegistry(registryAddr)
	operatorKey, _ := chaintest.NewKey()
	_, stranger := chaintest.NewKey()
	backend.SetOwner(big.NewInt(5), stranger)

	registry, err := chain.NewRegistry(backend, registryAddr, backend.ChainID, operatorKey)
	require.NoError(t, err)
	registry.ReceiptPoll = time.Millisecond

	_, err = registry.TransferFromOperator(ctx, stranger, big.NewInt(5))
	require.ErrorIs(t, err, chain.ErrReverted)

	readOnly, err := chain.NewRegistry(backend, registryAddr, backend.ChainID, nil)
	require.NoError(t, err)
	_, _, err = readOnly.Register(ctx, "uri")
	require.ErrorIs(t, err, chain.ErrReadOnly)
}

func TestRegisterReportsHashWhenReceiptIsLate(t *testing.T) {
	ctx := context.Background()
	registryAddr := common.HexToAddress("0x8004a169fb4a3325136eb29fa0ceb6d2e539a432")
	backend := chaintest.NewBackend(8453).WithRegistry(registryAddr)
	operatorKey, _ := chaintest.NewKey()
	registry, err := chain.NewRegistry(backend, registryAddr, backend.ChainID, operatorKey)
	require.NoError(t, err)
	registry.ReceiptPoll = time.Millisecond
	registry.ReceiptTimeout = 20 * time.Millisecond

	backend.HoldReceipts = true
	_, sent, err := registry.Register(ctx, "uri")
	require.Error(t, err)
	require.NotEqual(t, common.Hash{}, sent.Hash)

	_, _, err = registry.MintedBy(ctx, sent.Hash)
	require.ErrorIs(t, err, chain.ErrNotMined)

	backend.ReleaseReceipts()
	tokenID, _, err := registry.MintedBy(ctx, sent.Hash)
	require.NoError(t, err)
	require.Equal(t, int64(1), tokenID.Int64())
}

func TestReputationFeedbackAndSummary(t *testing.T) {
	ctx := context.Background()
	registryAddr := common.HexToAddress("0x8004a169fb4a3325136eb29fa0ceb6d2e539a432")
	reputationAddr := common.HexToAddress("0x8004b663056a597dffe9eccc1965a193b7388713")
	backend := chaintest.NewBackend(8453).WithRegistry(registryAddr).WithReputation(reputationAddr)
	operatorKey, _ := chaintest.NewKey()
	_, seller := chaintest.NewKey()
	backend.SetOwner(big.NewInt(7), seller)

	registry, err := chain.NewRegistry(backend, registryAddr, backend.ChainID, operatorKey)
	require.NoError(t, err)
	registry.ReceiptPoll = time.Millisecond
	reputation, err := registry.Reputation(reputationAddr)
	require.NoError(t, err)
	require.Equal(t, "eip155:8453:"+reputationAddr.Hex(), reputation.Ref())

	empty, err := reputation.Summary(ctx, big.NewInt(7), "")
	require.NoError(t, err)
	require.Zero(t, empty.Count)
	require.Equal(t, "0", empty.Score())

	for _, rating := range []int64{5, 4} {
		out, err := reputation.GiveFeedback(ctx, chain.Feedback{AgentID: big.NewInt(7), Value: rating, Tag1: "service"})
		require.NoError(t, err)
		require.EqualValues(t, chaintest.GiveFeedbackGas, out.GasUsed)
	}
	require.Equal(t, []int64{5, 4}, backend.Feedback(big.NewInt(7)))

	summary, err := reputation.Summary(ctx, big.NewInt(7), "")
	require.NoError(t, err)
	require.EqualValues(t, 2, summary.Count)
	require.Equal(t, "4.50", summary.Score())

	_, err = reputation.GiveFeedback(ctx, chain.Feedback{AgentID: big.NewInt(99), Value: 3})
	require.ErrorIs(t, err, chain.ErrReverted)

	sent := backend.Sent()
	for i, tx := range sent {
		require.Equal(t, uint64(i), tx.Nonce())
	}
}
