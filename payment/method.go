package payment

import (
	"strings"

	coreerrors "moltmart/core/errors"
)

// Method is how a caller proves payment for a protected action.
type Method int

const (
	// MethodNone means no proof was supplied and the caller must be told how to pay.
	MethodNone Method = iota
	// MethodDelegated is a signed authorization settled by the x402 facilitator.
	MethodDelegated
	// MethodOnchainTransfer is a plain token transfer proven by transaction hash.
	MethodOnchainTransfer
)

func (m Method) String() string {
	switch m {
	case MethodDelegated:
		return "x402"
	case MethodOnchainTransfer:
		return "onchain"
	default:
		return "none"
	}
}

// ResolveMethod picks the payment method from which proof the request carries.
// Supplying both is ambiguous and rejected.
func ResolveMethod(paymentHeader, txHash string) (Method, error) {
	hasHeader := strings.TrimSpace(paymentHeader) != ""
	hasTx := strings.TrimSpace(txHash) != ""
	switch {
	case hasHeader && hasTx:
		return MethodNone, coreerrors.InvalidArgument("provide either an X-PAYMENT header or a txHash, not both")
	case hasHeader:
		return MethodDelegated, nil
	case hasTx:
		return MethodOnchainTransfer, nil
	default:
		return MethodNone, nil
	}
}
