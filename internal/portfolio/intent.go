package portfolio

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ggonzalez94/portfolio-sync/internal/model"
)

// IntentEqual compares two operations by what they do: the account, the
// chain and each call's target, value and data. Signatures, nonces and
// gas settings are ignored.
func IntentEqual(a, b model.AccountOp) bool {
	if !strings.EqualFold(a.AccountAddr, b.AccountAddr) || a.ChainID != b.ChainID {
		return false
	}
	if len(a.Calls) != len(b.Calls) {
		return false
	}
	for i := range a.Calls {
		if !callEqual(a.Calls[i], b.Calls[i]) {
			return false
		}
	}
	return true
}

// IntentsEqual compares two ordered operation lists with IntentEqual.
func IntentsEqual(a, b []model.AccountOp) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !IntentEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func callEqual(a, b model.Call) bool {
	if !strings.EqualFold(strings.TrimSpace(a.To), strings.TrimSpace(b.To)) {
		return false
	}
	if !valueEqual(a.Value, b.Value) {
		return false
	}
	return normalizeData(a.Data) == normalizeData(b.Data)
}

// valueEqual compares values numerically. When either side does not
// parse, the trimmed raw strings must match exactly.
func valueEqual(a, b string) bool {
	va, okA := parseValue(a)
	vb, okB := parseValue(b)
	if !okA || !okB {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return va.Cmp(vb) == 0
}

// parseValue accepts decimal or 0x-prefixed hex. An empty value or a bare
// "0x" is zero.
func parseValue(raw string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "0x") {
		return new(big.Int), true
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		if v, err := hexutil.DecodeBig(strings.ToLower(raw)); err == nil {
			return v, true
		}
		return new(big.Int).SetString(raw[2:], 16)
	}
	return new(big.Int).SetString(raw, 10)
}

func normalizeData(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	return strings.TrimPrefix(raw, "0x")
}
