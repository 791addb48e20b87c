package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// TransferEventTopic is the topic of both the ERC-20 and ERC-721 Transfer events.
var TransferEventTopic = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Transfer is a decoded ERC-20 Transfer log.
type Transfer struct {
	Token    common.Address
	From     common.Address
	To       common.Address
	Amount   *uint256.Int
	LogIndex uint
}

// TokenTransfers returns the ERC-20 Transfer logs emitted by token in receipt.
// ERC-721 transfers carry the token id as a fourth topic and are skipped.
func TokenTransfers(receipt *gethtypes.Receipt, token common.Address) []Transfer {
	if receipt == nil {
		return nil
	}
	transfers := make([]Transfer, 0, len(receipt.Logs))
	for _, log := range receipt.Logs {
		if log == nil || log.Address != token {
			continue
		}
		if len(log.Topics) != 3 || log.Topics[0] != TransferEventTopic {
			continue
		}
		if len(log.Data) != 32 {
			continue
		}
		transfers = append(transfers, Transfer{
			Token:    log.Address,
			From:     common.BytesToAddress(log.Topics[1].Bytes()),
			To:       common.BytesToAddress(log.Topics[2].Bytes()),
			Amount:   new(uint256.Int).SetBytes(log.Data),
			LogIndex: log.Index,
		})
	}
	return transfers
}

// MintedTokenID finds the ERC-721 Transfer from the zero address emitted by
// registry and returns the minted token id.
func MintedTokenID(receipt *gethtypes.Receipt, registry common.Address) (*big.Int, bool) {
	if receipt == nil {
		return nil, false
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != registry {
			continue
		}
		if len(log.Topics) != 4 || log.Topics[0] != TransferEventTopic {
			continue
		}
		if common.BytesToAddress(log.Topics[1].Bytes()) != (common.Address{}) {
			continue
		}
		return new(big.Int).SetBytes(log.Topics[3].Bytes()), true
	}
	return nil, false
}
