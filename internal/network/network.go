// Package network holds the EVM networks the portfolio tracks and a lazy
// pool of RPC clients for them.
package network

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/portfolio-sync/internal/errors"
)

var eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)

type Token struct {
	Symbol   string
	Address  string
	Decimals int
}

type Network struct {
	Name           string
	Slug           string
	ChainID        int64
	NativeSymbol   string
	NativeDecimals int
	RPCURL         string
	// Pinned tokens are fetched even with a zero balance while the account
	// holds nothing on any network.
	Pinned []Token
}

// Key is the state map key for the network.
func (n Network) Key() string {
	return strconv.FormatInt(n.ChainID, 10)
}

func (n Network) CAIP2() string {
	return fmt.Sprintf("eip155:%d", n.ChainID)
}

var builtin = []Network{
	{Name: "Ethereum", Slug: "ethereum", ChainID: 1, NativeSymbol: "ETH", NativeDecimals: 18, RPCURL: "https://eth.llamarpc.com", Pinned: []Token{
		{Symbol: "USDC", Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Decimals: 6},
		{Symbol: "USDT", Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6},
		{Symbol: "DAI", Address: "0x6b175474e89094c44da98b954eedeac495271d0f", Decimals: 18},
		{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
	}},
	{Name: "Optimism", Slug: "optimism", ChainID: 10, NativeSymbol: "ETH", NativeDecimals: 18, RPCURL: "https://mainnet.optimism.io", Pinned: []Token{
		{Symbol: "USDC", Address: "0x7F5c764cBc14f9669B88837ca1490cCa17c31607", Decimals: 6},
		{Symbol: "USDT", Address: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", Decimals: 6},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	}},
	{Name: "BSC", Slug: "bsc", ChainID: 56, NativeSymbol: "BNB", NativeDecimals: 18, RPCURL: "https://bsc-dataseed.binance.org", Pinned: []Token{
		{Symbol: "USDC", Address: "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d", Decimals: 18},
		{Symbol: "USDT", Address: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
	}},
	{Name: "Gnosis", Slug: "gnosis", ChainID: 100, NativeSymbol: "XDAI", NativeDecimals: 18, RPCURL: "https://rpc.gnosischain.com"},
	{Name: "Polygon", Slug: "polygon", ChainID: 137, NativeSymbol: "POL", NativeDecimals: 18, RPCURL: "https://polygon-rpc.com", Pinned: []Token{
		{Symbol: "USDC", Address: "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359", Decimals: 6},
		{Symbol: "USDT", Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Decimals: 6},
		{Symbol: "WETH", Address: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", Decimals: 18},
	}},
	{Name: "Base", Slug: "base", ChainID: 8453, NativeSymbol: "ETH", NativeDecimals: 18, RPCURL: "https://mainnet.base.org", Pinned: []Token{
		{Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	}},
	{Name: "Arbitrum", Slug: "arbitrum", ChainID: 42161, NativeSymbol: "ETH", NativeDecimals: 18, RPCURL: "https://arb1.arbitrum.io/rpc", Pinned: []Token{
		{Symbol: "USDC", Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6},
		{Symbol: "USDT", Address: "0xFd086bC7CD5C481DCC9C85ebe478A1C0b69FCbb9", Decimals: 6},
		{Symbol: "WETH", Address: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", Decimals: 18},
	}},
	{Name: "Avalanche", Slug: "avalanche", ChainID: 43114, NativeSymbol: "AVAX", NativeDecimals: 18, RPCURL: "https://api.avax.network/ext/bc/C/rpc", Pinned: []Token{
		{Symbol: "USDC", Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Decimals: 6},
		{Symbol: "USDT", Address: "0x9702230A8Ea53601f5cD2dc00fDBc13d4dF4A8c7", Decimals: 6},
	}},
	{Name: "Linea", Slug: "linea", ChainID: 59144, NativeSymbol: "ETH", NativeDecimals: 18, RPCURL: "https://rpc.linea.build"},
	{Name: "Scroll", Slug: "scroll", ChainID: 534352, NativeSymbol: "ETH", NativeDecimals: 18, RPCURL: "https://rpc.scroll.io"},
}

// Registry is the set of enabled networks.
type Registry struct {
	byID   map[int64]Network
	bySlug map[string]int64
	order  []int64
}

// NewRegistry builds the registry from the built-in table. A non-empty
// enabled list restricts it to those chain IDs; rpcOverrides replaces the
// default endpoint per chain ID.
func NewRegistry(enabled []int64, rpcOverrides map[int64]string) *Registry {
	allow := map[int64]bool{}
	for _, id := range enabled {
		allow[id] = true
	}
	r := &Registry{byID: map[int64]Network{}, bySlug: map[string]int64{"mainnet": 1}}
	for _, n := range builtin {
		if len(allow) > 0 && !allow[n.ChainID] {
			continue
		}
		if override := strings.TrimSpace(rpcOverrides[n.ChainID]); override != "" {
			n.RPCURL = override
		}
		n.Pinned = checksummed(n.Pinned)
		r.add(n)
	}
	return r
}

// NewCustomRegistry builds a registry from explicit networks, bypassing the
// built-in table.
func NewCustomRegistry(networks ...Network) *Registry {
	r := &Registry{byID: map[int64]Network{}, bySlug: map[string]int64{}}
	for _, n := range networks {
		n.Pinned = checksummed(n.Pinned)
		r.add(n)
	}
	return r
}

func (r *Registry) add(n Network) {
	if n.Slug == "" {
		n.Slug = fmt.Sprintf("evm-%d", n.ChainID)
	}
	if _, exists := r.byID[n.ChainID]; !exists {
		r.order = append(r.order, n.ChainID)
	}
	r.byID[n.ChainID] = n
	r.bySlug[n.Slug] = n.ChainID
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
}

func (r *Registry) Networks() []Network {
	out := make([]Network, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) Network(chainID int64) (Network, bool) {
	n, ok := r.byID[chainID]
	return n, ok
}

// Parse resolves a slug, a numeric chain ID or an eip155:<id> reference to
// an enabled network.
func (r *Registry) Parse(input string) (Network, error) {
	raw := strings.ToLower(strings.TrimSpace(input))
	if raw == "" {
		return Network{}, clierr.New(clierr.CodeUsage, "network is required")
	}
	if id, ok := r.bySlug[raw]; ok {
		return r.byID[id], nil
	}
	if eip155ChainPattern.MatchString(raw) {
		raw = strings.TrimPrefix(raw, "eip155:")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Network{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported network input: %s", input))
	}
	n, ok := r.byID[id]
	if !ok {
		return Network{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("network %d is not enabled", id))
	}
	return n, nil
}

// ParseList resolves a comma separated list of networks.
func (r *Registry) ParseList(inputs []string) ([]int64, error) {
	out := make([]int64, 0, len(inputs))
	seen := map[int64]bool{}
	for _, input := range inputs {
		n, err := r.Parse(input)
		if err != nil {
			return nil, err
		}
		if seen[n.ChainID] {
			continue
		}
		seen[n.ChainID] = true
		out = append(out, n.ChainID)
	}
	return out, nil
}

// IsPinned reports whether address is one of the network's pinned tokens.
func (n Network) IsPinned(address string) bool {
	for _, t := range n.Pinned {
		if strings.EqualFold(t.Address, address) {
			return true
		}
	}
	return false
}

func checksummed(tokens []Token) []Token {
	out := make([]Token, len(tokens))
	for i, t := range tokens {
		t.Address = common.HexToAddress(t.Address).Hex()
		out[i] = t
	}
	return out
}
