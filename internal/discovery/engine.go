// Package discovery reads an account's balances on one EVM network with a
// single JSON-RPC batch, optionally guided by an external hints API and
// adjusted for pending operations.
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/portfolio-sync/internal/errors"
	"github.com/ggonzalez94/portfolio-sync/internal/model"
	"github.com/ggonzalez94/portfolio-sync/internal/network"
)

const defaultRPCTimeout = 15 * time.Second

type Clients interface {
	Client(ctx context.Context, n network.Network) (*ethclient.Client, error)
}

// PriceSource fills USD prices the hints API did not provide.
type PriceSource interface {
	Prices(ctx context.Context, chainID int64, addresses []string) (map[string]float64, error)
}

type Engine struct {
	clients Clients
	hints   *HintsAPI
	prices  PriceSource
	timeout time.Duration
	logger  *zap.Logger
}

// NewEngine builds an engine. hints may be nil, in which case only the
// hints supplied by the caller are checked.
func NewEngine(clients Clients, hints *HintsAPI, rpcTimeout time.Duration, logger *zap.Logger) *Engine {
	if rpcTimeout <= 0 {
		rpcTimeout = defaultRPCTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{clients: clients, hints: hints, timeout: rpcTimeout, logger: logger}
}

// WithPrices sets a fallback price source.
func (e *Engine) WithPrices(src PriceSource) *Engine {
	e.prices = src
	return e
}

type candidate struct {
	address  common.Address
	symbol   string
	decimals int
	known    bool
	hinted   bool
}

type tokenCalls struct {
	candidate *candidate
	balance   int
	decimals  int
	symbol    int
}

type nftCall struct {
	collection common.Address
	tokenID    string
	index      int
}

func (e *Engine) Get(ctx context.Context, n network.Network, accountID string, opts model.DiscoveryOptions) (model.DiscoveryResult, error) {
	if !common.IsHexAddress(accountID) {
		return model.DiscoveryResult{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid account address: %s", accountID))
	}
	owner := common.HexToAddress(accountID)

	external, prices, warnings := e.resolveHints(ctx, n, owner.Hex(), opts)
	transfers, nativeOut := outgoing(opts.Simulation)

	var order []common.Address
	candidates := map[common.Address]*candidate{}
	add := func(raw string, hinted bool) *candidate {
		if !common.IsHexAddress(raw) {
			return nil
		}
		addr := common.HexToAddress(raw)
		if addr == (common.Address{}) {
			return nil
		}
		c, ok := candidates[addr]
		if !ok {
			c = &candidate{address: addr}
			candidates[addr] = c
			order = append(order, addr)
		}
		c.hinted = c.hinted || hinted
		return c
	}
	if external != nil {
		for _, addr := range external.Erc20s {
			add(addr, true)
		}
	}
	for _, addr := range opts.AdditionalErc20Hints {
		add(addr, true)
	}
	if opts.FetchPinned {
		for _, pinned := range n.Pinned {
			if c := add(pinned.Address, true); c != nil {
				c.symbol, c.decimals, c.known = pinned.Symbol, pinned.Decimals, true
			}
		}
	}
	for addr := range transfers {
		add(addr.Hex(), false)
	}
	sort.Slice(order, func(i, j int) bool { return bytes.Compare(order[i].Bytes(), order[j].Bytes()) < 0 })

	nfts := mergeNfts(external, opts.AdditionalErc721Hints)

	client, err := e.clients.Client(ctx, n)
	if err != nil {
		return model.DiscoveryResult{}, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}

	elems := []rpc.BatchElem{
		{Method: "eth_blockNumber", Result: new(hexutil.Uint64)},
		{Method: "eth_getBalance", Args: []any{owner, "latest"}, Result: new(*hexutil.Big)},
	}
	calls := make([]tokenCalls, 0, len(order))
	for _, addr := range order {
		c := candidates[addr]
		tc := tokenCalls{candidate: c, balance: len(elems), decimals: -1, symbol: -1}
		elems = append(elems, ethCall(addr, mustPack("balanceOf", owner)))
		if !c.known {
			tc.decimals = len(elems)
			elems = append(elems, ethCall(addr, mustPack("decimals")))
			tc.symbol = len(elems)
			elems = append(elems, ethCall(addr, mustPack("symbol")))
		}
		calls = append(calls, tc)
	}
	var nftCalls []nftCall
	for _, collection := range sortedKeys(nfts) {
		if !common.IsHexAddress(collection) {
			continue
		}
		collectionAddr := common.HexToAddress(collection)
		for _, id := range nfts[collection] {
			tokenID, ok := new(big.Int).SetString(id, 10)
			if !ok {
				continue
			}
			nftCalls = append(nftCalls, nftCall{collection: collectionAddr, tokenID: id, index: len(elems)})
			elems = append(elems, ethCall(collectionAddr, mustPack("ownerOf", tokenID)))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := client.Client().BatchCallContext(callCtx, elems); err != nil {
		return model.DiscoveryResult{}, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("rpc batch on %s", n.Slug), err)
	}
	if elems[0].Error != nil {
		return model.DiscoveryResult{}, clierr.Wrap(clierr.CodeUnavailable, "fetch block number", elems[0].Error)
	}
	if elems[1].Error != nil {
		return model.DiscoveryResult{}, clierr.Wrap(clierr.CodeUnavailable, "fetch native balance", elems[1].Error)
	}

	result := model.PortfolioResult{
		BlockNumber:          uint64(*elems[0].Result.(*hexutil.Uint64)),
		HintsFromExternalAPI: external,
		Errors:               warnings,
	}

	nativeBalance := new(big.Int)
	if res, ok := elems[1].Result.(**hexutil.Big); ok && res != nil && *res != nil {
		nativeBalance = (*big.Int)(*res)
	}
	native := model.Token{
		Address:  model.NativeAddress,
		ChainID:  n.ChainID,
		Symbol:   n.NativeSymbol,
		Decimals: n.NativeDecimals,
		Amount:   nativeBalance.String(),
		PriceUSD: prices[strings.ToLower(model.NativeAddress)],
	}
	if opts.Simulation != nil {
		native.AmountPostSimulation = subtract(nativeBalance, nativeOut)
	}
	result.Tokens = append(result.Tokens, native)

	var learned model.ToBeLearned
	for _, tc := range calls {
		c := tc.candidate
		addr := c.address.Hex()
		balance, err := unpackBig(elems[tc.balance], "balanceOf")
		if err != nil {
			result.TokenErrors = append(result.TokenErrors, model.TokenError{Address: addr, Error: err.Error()})
			continue
		}
		symbol, decimals := c.symbol, c.decimals
		if tc.decimals >= 0 {
			d, err := unpackDecimals(elems[tc.decimals])
			if err != nil {
				result.TokenErrors = append(result.TokenErrors, model.TokenError{Address: addr, Error: err.Error()})
				continue
			}
			decimals = d
			symbol = unpackSymbol(elems[tc.symbol])
		}
		token := model.Token{
			Address:  addr,
			ChainID:  n.ChainID,
			Symbol:   symbol,
			Decimals: decimals,
			Amount:   balance.String(),
			PriceUSD: prices[strings.ToLower(addr)],
		}
		if opts.Simulation != nil {
			token.AmountPostSimulation = subtract(balance, transfers[c.address])
		}
		result.Tokens = append(result.Tokens, token)
		if !c.hinted {
			learned.Erc20s = append(learned.Erc20s, addr)
		}
	}

	e.fillPrices(ctx, n, &result)

	owned := map[common.Address][]string{}
	var collectionOrder []common.Address
	for _, call := range nftCalls {
		elem := elems[call.index]
		if elem.Error != nil {
			result.TokenErrors = append(result.TokenErrors, model.TokenError{Address: call.collection.Hex(), Error: elem.Error.Error()})
			continue
		}
		holder, err := unpackAddress(elem, "ownerOf")
		if err != nil || holder != owner {
			continue
		}
		if _, ok := owned[call.collection]; !ok {
			collectionOrder = append(collectionOrder, call.collection)
		}
		owned[call.collection] = append(owned[call.collection], call.tokenID)
	}
	for _, collection := range collectionOrder {
		result.Collections = append(result.Collections, model.Collection{
			Address:  collection.Hex(),
			ChainID:  n.ChainID,
			TokenIDs: owned[collection],
		})
	}

	e.logger.Debug("discovery finished",
		zap.String("network", n.Slug),
		zap.String("account", owner.Hex()),
		zap.Int("tokens", len(result.Tokens)),
		zap.Int("token_errors", len(result.TokenErrors)),
		zap.Uint64("block", result.BlockNumber))
	return model.DiscoveryResult{Result: result, ToBeLearned: learned}, nil
}

// resolveHints returns the hints to use for this refresh and the price
// table that came with them. When the API fails the previous snapshot is
// reused and marked as a fallback.
func (e *Engine) resolveHints(ctx context.Context, n network.Network, accountID string, opts model.DiscoveryOptions) (*model.ExternalHints, map[string]float64, []model.ErrorEntry) {
	if e.hints == nil || opts.DisableAutoDiscovery {
		if opts.PreviousHints == nil {
			return nil, nil, nil
		}
		fallback := opts.PreviousHints.Clone()
		fallback.FromFallback = true
		return &fallback, nil, nil
	}
	fetched, err := e.hints.fetch(ctx, n.ChainID, accountID, opts.PriceRecency)
	if err == nil {
		hints := fetched.hints
		return &hints, fetched.prices, nil
	}
	e.logger.Warn("hints api failed", zap.String("network", n.Slug), zap.Error(err))
	warning := model.ErrorEntry{Kind: "hintsApi", Message: err.Error(), Level: model.LevelWarning}
	if opts.PreviousHints == nil {
		return &model.ExternalHints{Error: err.Error()}, nil, []model.ErrorEntry{warning}
	}
	fallback := opts.PreviousHints.Clone()
	fallback.FromFallback = true
	return &fallback, nil, []model.ErrorEntry{warning}
}

// fillPrices asks the price source for tokens still unpriced. A failure
// only adds a warning.
func (e *Engine) fillPrices(ctx context.Context, n network.Network, result *model.PortfolioResult) {
	if e.prices == nil {
		return
	}
	var missing []string
	for _, token := range result.Tokens {
		if token.PriceUSD == 0 {
			missing = append(missing, token.Address)
		}
	}
	if len(missing) == 0 {
		return
	}
	found, err := e.prices.Prices(ctx, n.ChainID, missing)
	if err != nil {
		e.logger.Warn("price lookup failed", zap.String("network", n.Slug), zap.Error(err))
		result.Errors = append(result.Errors, model.ErrorEntry{Kind: "prices", Message: err.Error(), Level: model.LevelWarning})
		return
	}
	for i := range result.Tokens {
		if result.Tokens[i].PriceUSD == 0 {
			result.Tokens[i].PriceUSD = found[strings.ToLower(result.Tokens[i].Address)]
		}
	}
}

// outgoing sums what the pending operations send away: ERC-20 transfer
// amounts per token contract and native value.
func outgoing(sim *model.SimulationInput) (map[common.Address]*big.Int, *big.Int) {
	tokens := map[common.Address]*big.Int{}
	native := new(big.Int)
	if sim == nil {
		return tokens, native
	}
	transfer := tokenContract.Methods["transfer"]
	for _, op := range sim.AccountOps {
		for _, call := range op.Calls {
			native.Add(native, parseAmount(call.Value))
			data := common.FromHex(call.Data)
			if len(data) < 4 || !bytes.Equal(data[:4], transfer.ID) || !common.IsHexAddress(call.To) {
				continue
			}
			args, err := transfer.Inputs.Unpack(data[4:])
			if err != nil || len(args) != 2 {
				continue
			}
			amount, ok := args[1].(*big.Int)
			if !ok {
				continue
			}
			token := common.HexToAddress(call.To)
			if tokens[token] == nil {
				tokens[token] = new(big.Int)
			}
			tokens[token].Add(tokens[token], amount)
		}
	}
	return tokens, native
}

func ethCall(to common.Address, data []byte) rpc.BatchElem {
	return rpc.BatchElem{
		Method: "eth_call",
		Args: []any{
			map[string]any{"to": to, "data": hexutil.Bytes(data)},
			"latest",
		},
		Result: new(hexutil.Bytes),
	}
}

func mustPack(method string, args ...any) []byte {
	data, err := tokenContract.Pack(method, args...)
	if err != nil {
		panic(err)
	}
	return data
}

func rawResult(elem rpc.BatchElem) ([]byte, error) {
	if elem.Error != nil {
		return nil, elem.Error
	}
	res, ok := elem.Result.(*hexutil.Bytes)
	if !ok || res == nil {
		return nil, fmt.Errorf("unexpected result type %T", elem.Result)
	}
	return *res, nil
}

func unpackBig(elem rpc.BatchElem, method string) (*big.Int, error) {
	raw, err := rawResult(elem)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s returned no data", method)
	}
	values, err := tokenContract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected %T", method, values[0])
	}
	return value, nil
}

func unpackDecimals(elem rpc.BatchElem) (int, error) {
	raw, err := rawResult(elem)
	if err != nil {
		return 0, err
	}
	values, err := tokenContract.Unpack("decimals", raw)
	if err != nil || len(values) == 0 {
		return 0, fmt.Errorf("unpack decimals: %v", err)
	}
	value, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unpack decimals: unexpected %T", values[0])
	}
	return int(value), nil
}

// unpackSymbol tolerates tokens without a string symbol.
func unpackSymbol(elem rpc.BatchElem) string {
	raw, err := rawResult(elem)
	if err != nil {
		return ""
	}
	values, err := tokenContract.Unpack("symbol", raw)
	if err != nil || len(values) == 0 {
		return ""
	}
	symbol, _ := values[0].(string)
	return symbol
}

func unpackAddress(elem rpc.BatchElem, method string) (common.Address, error) {
	raw, err := rawResult(elem)
	if err != nil {
		return common.Address{}, err
	}
	values, err := tokenContract.Unpack(method, raw)
	if err != nil || len(values) == 0 {
		return common.Address{}, fmt.Errorf("unpack %s: %v", method, err)
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unpack %s: unexpected %T", method, values[0])
	}
	return addr, nil
}

func parseAmount(raw string) *big.Int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int)
	}
	if strings.HasPrefix(raw, "0x") {
		if v, ok := new(big.Int).SetString(raw[2:], 16); ok {
			return v
		}
		return new(big.Int)
	}
	if v, ok := new(big.Int).SetString(raw, 10); ok {
		return v
	}
	return new(big.Int)
}

func subtract(balance, spent *big.Int) string {
	if spent == nil {
		return balance.String()
	}
	out := new(big.Int).Sub(balance, spent)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out.String()
}

func mergeNfts(external *model.ExternalHints, additional map[string][]string) map[string][]string {
	out := map[string][]string{}
	merge := func(src map[string][]string) {
		for collection, ids := range src {
			key := collection
			if common.IsHexAddress(collection) {
				key = common.HexToAddress(collection).Hex()
			}
			seen := map[string]bool{}
			for _, id := range out[key] {
				seen[id] = true
			}
			for _, id := range ids {
				if !seen[id] {
					seen[id] = true
					out[key] = append(out[key], id)
				}
			}
		}
	}
	if external != nil {
		merge(external.Erc721s)
	}
	merge(additional)
	return out
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
