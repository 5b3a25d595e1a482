package model

import (
	"math/big"
	"strings"
)

// Synthetic network keys for off-chain balances.
const (
	GasTankKey = "gasTank"
	RewardsKey = "rewards"
)

// NativeAddress is the placeholder address for a network's native coin.
const NativeAddress = "0x0000000000000000000000000000000000000000"

type ErrorLevel string

const (
	LevelCritical ErrorLevel = "critical"
	LevelWarning  ErrorLevel = "warning"
	LevelSilent   ErrorLevel = "silent"
)

// ErrorEntry is a non-fatal problem recorded on a network refresh.
type ErrorEntry struct {
	Kind    string     `json:"kind"`
	Message string     `json:"message"`
	Level   ErrorLevel `json:"level"`
}

// ErrorDetail describes the failure that made a refresh unusable.
type ErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	At      int64  `json:"at"`
}

type TokenFlags struct {
	OnGasTank   bool   `json:"onGasTank,omitempty"`
	RewardsType string `json:"rewardsType,omitempty"`
	IsHidden    bool   `json:"isHidden,omitempty"`
	IsCustom    bool   `json:"isCustom,omitempty"`
	IsPinned    bool   `json:"isPinned,omitempty"`
}

// Token amounts are base-unit integers encoded as decimal strings.
type Token struct {
	Address              string     `json:"address"`
	ChainID              int64      `json:"chainId"`
	Symbol               string     `json:"symbol"`
	Decimals             int        `json:"decimals"`
	Amount               string     `json:"amount"`
	AmountPostSimulation string     `json:"amountPostSimulation,omitempty"`
	PriceUSD             float64    `json:"priceUsd,omitempty"`
	Flags                TokenFlags `json:"flags"`
}

func (t Token) IsNative() bool {
	return strings.EqualFold(t.Address, NativeAddress)
}

// HasBalance reports whether either the confirmed or the simulated amount
// is non-zero.
func (t Token) HasBalance() bool {
	return !isZeroAmount(t.Amount) || (t.AmountPostSimulation != "" && !isZeroAmount(t.AmountPostSimulation))
}

func isZeroAmount(raw string) bool {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	return !ok || value.Sign() == 0
}

type Collection struct {
	Address  string   `json:"address"`
	ChainID  int64    `json:"chainId"`
	Name     string   `json:"name,omitempty"`
	Symbol   string   `json:"symbol,omitempty"`
	TokenIDs []string `json:"tokenIds"`
}

type TokenError struct {
	Address string `json:"address"`
	Error   string `json:"error"`
}

// ExternalHints is what the discovery API reported for an account on one
// network, or the previous snapshot reused when the API was unreachable.
type ExternalHints struct {
	Erc20s       []string            `json:"erc20s"`
	Erc721s      map[string][]string `json:"erc721s,omitempty"`
	LastUpdate   int64               `json:"lastUpdate"`
	FromFallback bool                `json:"fromFallback,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// FreshAndValid reports whether the hints came from a live, error-free
// API response.
func (h *ExternalHints) FreshAndValid() bool {
	return h != nil && !h.FromFallback && h.Error == ""
}

type PortfolioResult struct {
	LastSuccessfulUpdate int64              `json:"lastSuccessfulUpdate"`
	UpdateStarted        int64              `json:"updateStarted"`
	DiscoveryTimeMS      int64              `json:"discoveryTimeMs,omitempty"`
	BlockNumber          uint64             `json:"blockNumber,omitempty"`
	Tokens               []Token            `json:"tokens"`
	Collections          []Collection       `json:"collections,omitempty"`
	TokenErrors          []TokenError       `json:"tokenErrors,omitempty"`
	Errors               []ErrorEntry       `json:"errors,omitempty"`
	HintsFromExternalAPI *ExternalHints     `json:"hintsFromExternalAPI,omitempty"`
	Total                map[string]float64 `json:"total,omitempty"`
}

// NetworkState is the state of one (account, network) slot.
type NetworkState struct {
	IsLoading     bool             `json:"isLoading"`
	IsReady       bool             `json:"isReady"`
	Errors        []ErrorEntry     `json:"errors,omitempty"`
	CriticalError *ErrorDetail     `json:"criticalError,omitempty"`
	Result        *PortfolioResult `json:"result,omitempty"`
	AccountOps    []AccountOp      `json:"accountOps,omitempty"`
}

// HasAssets reports whether the slot holds any non-zero token or NFT.
func (s NetworkState) HasAssets() bool {
	if s.Result == nil {
		return false
	}
	for _, token := range s.Result.Tokens {
		if !isZeroAmount(token.Amount) {
			return true
		}
	}
	for _, collection := range s.Result.Collections {
		if len(collection.TokenIDs) > 0 {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s NetworkState) Clone() NetworkState {
	out := s
	out.Errors = append([]ErrorEntry(nil), s.Errors...)
	if s.CriticalError != nil {
		critical := *s.CriticalError
		out.CriticalError = &critical
	}
	if s.Result != nil {
		result := s.Result.Clone()
		out.Result = &result
	}
	out.AccountOps = CloneAccountOps(s.AccountOps)
	return out
}

func (r PortfolioResult) Clone() PortfolioResult {
	out := r
	out.Tokens = append([]Token(nil), r.Tokens...)
	out.Collections = make([]Collection, len(r.Collections))
	for i, collection := range r.Collections {
		collection.TokenIDs = append([]string(nil), collection.TokenIDs...)
		out.Collections[i] = collection
	}
	out.TokenErrors = append([]TokenError(nil), r.TokenErrors...)
	out.Errors = append([]ErrorEntry(nil), r.Errors...)
	if r.HintsFromExternalAPI != nil {
		hints := r.HintsFromExternalAPI.Clone()
		out.HintsFromExternalAPI = &hints
	}
	if r.Total != nil {
		out.Total = make(map[string]float64, len(r.Total))
		for k, v := range r.Total {
			out.Total[k] = v
		}
	}
	return out
}

func (h ExternalHints) Clone() ExternalHints {
	out := h
	out.Erc20s = append([]string(nil), h.Erc20s...)
	if h.Erc721s != nil {
		out.Erc721s = make(map[string][]string, len(h.Erc721s))
		for k, v := range h.Erc721s {
			out.Erc721s[k] = append([]string(nil), v...)
		}
	}
	return out
}
