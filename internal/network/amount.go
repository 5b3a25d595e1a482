package network

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatUnits renders a base-unit integer string with the given decimals.
// Invalid input renders as "0".
func FormatUnits(baseUnits string, decimals int) string {
	n, ok := new(big.Int).SetString(strings.TrimSpace(baseUnits), 10)
	if !ok {
		return "0"
	}
	if decimals <= 0 {
		return n.String()
	}
	return decimal.NewFromBigInt(n, -int32(decimals)).String()
}
