package payment

import (
	"fmt"
	"math/big"
	"strings"
)

// DefaultDecimals is the precision of the settlement token (USDC-style).
const DefaultDecimals = 6

// ParseAmount converts a decimal token amount such as "0.05" into minor units.
// Amounts with more fractional digits than decimals are rejected rather than rounded.
func ParseAmount(amount string, decimals int) (uint64, error) {
	trimmed := strings.TrimSpace(amount)
	value, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return 0, fmt.Errorf("invalid amount: %s", amount)
	}
	if value.Sign() < 0 {
		return 0, fmt.Errorf("amount must not be negative")
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value.Mul(value, new(big.Rat).SetInt(scale))
	if !value.IsInt() {
		return 0, fmt.Errorf("amount %s exceeds %d decimals", amount, decimals)
	}
	minor := value.Num()
	if !minor.IsUint64() {
		return 0, fmt.Errorf("amount %s out of range", amount)
	}
	return minor.Uint64(), nil
}

// FormatAmount renders minor units as a decimal token amount without trailing zeros.
func FormatAmount(minor uint64, decimals int) string {
	value := new(big.Rat).SetFrac(new(big.Int).SetUint64(minor), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	text := value.FloatString(decimals)
	if strings.Contains(text, ".") {
		text = strings.TrimRight(text, "0")
		text = strings.TrimRight(text, ".")
	}
	if text == "" {
		text = "0"
	}
	return text
}
