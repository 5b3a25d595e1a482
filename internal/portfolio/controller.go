// Package portfolio maintains per-account portfolio state across networks.
// Each (account, network) slot has a confirmed latest view and a pending
// view that includes not-yet-confirmed operations. Refreshes for the same
// slot run strictly in order; reads never wait on them.
package portfolio

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	clierr "github.com/ggonzalez94/portfolio-sync/internal/errors"
	"github.com/ggonzalez94/portfolio-sync/internal/model"
	"github.com/ggonzalez94/portfolio-sync/internal/network"
	"github.com/ggonzalez94/portfolio-sync/internal/queue"
	"github.com/ggonzalez94/portfolio-sync/internal/storage"
)

const assetIndexStorageKey = "networksWithAssetsByAccounts"

const (
	DefaultLatestMaxAge  = 20 * time.Second
	DefaultGasTankMaxAge = 20 * time.Second
	DefaultRewardsMaxAge = 60 * time.Second
)

type AccountRegistry interface {
	Has(id string) bool
}

type NetworkRegistry interface {
	Networks() []network.Network
	Network(chainID int64) (network.Network, bool)
}

// Discovery fetches one network's portfolio for an account.
type Discovery interface {
	Get(ctx context.Context, n network.Network, accountID string, opts model.DiscoveryOptions) (model.DiscoveryResult, error)
}

// AdditionalSource fetches off-chain balances for an account.
type AdditionalSource interface {
	PortfolioAdditional(ctx context.Context, accountID string) (model.AdditionalPortfolio, error)
}

type BannerSink interface {
	AddBanners(ctx context.Context, accountID string, banners []model.Banner) error
}

type Config struct {
	LatestMaxAge  time.Duration
	GasTankMaxAge time.Duration
	RewardsMaxAge time.Duration
	PriceRecency  time.Duration
}

type Deps struct {
	Accounts   AccountRegistry
	Networks   NetworkRegistry
	Discovery  Discovery
	Additional AdditionalSource
	Banners    BannerSink
	Storage    storage.Store
	Logger     *zap.Logger
	Now        func() time.Time
}

type UpdateOptions struct {
	ForceUpdate bool
	// MaxDataAge overrides the on-chain staleness window when positive.
	MaxDataAge           time.Duration
	DisableAutoDiscovery bool
}

// MutationOptions controls the refresh triggered by a preference change.
type MutationOptions struct {
	RefreshAccount string
}

type tree int

const (
	treeLatest tree = iota
	treePending
)

func (t tree) String() string {
	if t == treePending {
		return "pending"
	}
	return "latest"
}

type Controller struct {
	accounts   AccountRegistry
	networks   NetworkRegistry
	discovery  Discovery
	additional AdditionalSource
	banners    BannerSink
	storage    storage.Store
	hints      *HintStore
	prefs      *Preferences
	queue      *queue.Queue
	logger     *zap.Logger
	now        func() time.Time
	cfg        Config

	mu         sync.RWMutex
	latest     map[string]map[string]model.NetworkState
	pending    map[string]map[string]model.NetworkState
	withAssets map[string]map[string]bool

	initOnce sync.Once
}

func New(deps Deps, cfg Config) *Controller {
	if cfg.LatestMaxAge <= 0 {
		cfg.LatestMaxAge = DefaultLatestMaxAge
	}
	if cfg.GasTankMaxAge <= 0 {
		cfg.GasTankMaxAge = DefaultGasTankMaxAge
	}
	if cfg.RewardsMaxAge <= 0 {
		cfg.RewardsMaxAge = DefaultRewardsMaxAge
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		accounts:   deps.Accounts,
		networks:   deps.Networks,
		discovery:  deps.Discovery,
		additional: deps.Additional,
		banners:    deps.Banners,
		storage:    deps.Storage,
		hints:      NewHintStore(deps.Storage, logger, now),
		prefs:      NewPreferences(deps.Storage),
		queue:      queue.New(),
		logger:     logger,
		now:        now,
		cfg:        cfg,
		latest:     map[string]map[string]model.NetworkState{},
		pending:    map[string]map[string]model.NetworkState{},
		withAssets: map[string]map[string]bool{},
	}
}

// Init loads persisted hints, preferences and the asset index. It runs
// once; later calls are no-ops. Load failures leave the affected part
// empty.
func (c *Controller) Init(ctx context.Context) {
	c.initOnce.Do(func() {
		if err := c.hints.Load(ctx); err != nil {
			c.logger.Warn("load hints failed", zap.Error(err))
		}
		if err := c.prefs.Load(ctx); err != nil {
			c.logger.Warn("load token preferences failed", zap.Error(err))
		}
		if c.storage == nil {
			return
		}
		index := map[string]map[string]bool{}
		if _, err := c.storage.Get(ctx, assetIndexStorageKey, &index); err != nil {
			c.logger.Warn("load asset index failed", zap.Error(err))
			return
		}
		c.mu.Lock()
		for account, networks := range index {
			c.withAssets[account] = networks
		}
		c.mu.Unlock()
	})
}

func (c *Controller) Hints() *HintStore { return c.hints }

func (c *Controller) Preferences() *Preferences { return c.prefs }

// Latest returns a copy of the confirmed state of every slot of the account.
func (c *Controller) Latest(accountID string) map[string]model.NetworkState {
	return c.snapshot(treeLatest, accountID)
}

// Pending returns a copy of the simulated state of every slot of the account.
func (c *Controller) Pending(accountID string) map[string]model.NetworkState {
	return c.snapshot(treePending, accountID)
}

func (c *Controller) LatestNetwork(accountID, key string) (model.NetworkState, bool) {
	return c.slot(treeLatest, accountID, key)
}

func (c *Controller) PendingNetwork(accountID, key string) (model.NetworkState, bool) {
	return c.slot(treePending, accountID, key)
}

// NetworksWithAssets returns the per-slot asset flags computed after the
// account's last update.
func (c *Controller) NetworksWithAssets(accountID string) map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[string]bool{}
	for k, v := range c.withAssets[accountKey(accountID)] {
		out[k] = v
	}
	return out
}

// RemoveAccount drops all state kept for the account.
func (c *Controller) RemoveAccount(ctx context.Context, accountID string) {
	account := accountKey(accountID)
	c.mu.Lock()
	delete(c.latest, account)
	delete(c.pending, account)
	delete(c.withAssets, account)
	index := c.assetIndexLocked()
	c.mu.Unlock()
	c.persistAssetIndex(ctx, index)
}

// UpdateAccount refreshes the account on the given networks, or on every
// registered network when chainIDs is nil, plus the off-chain slots.
// Per-network failures are recorded in that network's state; the only
// returned error is an unknown account.
func (c *Controller) UpdateAccount(ctx context.Context, accountID string, chainIDs []int64, sim *model.Simulation, opts UpdateOptions) error {
	if c.accounts == nil || !c.accounts.Has(accountID) {
		return clierr.New(clierr.CodeUnknownAccount, fmt.Sprintf("unknown account %s", accountID))
	}
	c.Init(ctx)
	account := accountKey(accountID)
	networks := c.resolveNetworks(chainIDs)
	staging := NewStaging()
	started := c.now()

	eg, egCtx := errgroup.WithContext(ctx)
	if c.additional != nil {
		eg.Go(func() error {
			if err := c.queue.Do(laneKey(account, "additional"), func() error {
				c.updateAdditional(egCtx, account, opts)
				return nil
			}); err != nil {
				c.logger.Error("additional portfolio task failed", zap.String("account", account), zap.Error(err))
			}
			return nil
		})
	}
	for _, n := range networks {
		n := n
		eg.Go(func() error {
			if err := c.queue.Do(laneKey(account, n.Key()), func() error {
				c.updateNetwork(egCtx, account, n, sim, opts, staging)
				return nil
			}); err != nil {
				staging.MarkCritical()
				c.abandon(account, n.Key(), err)
				c.logger.Error("network task failed", zap.String("account", account), zap.Int64("chain_id", n.ChainID), zap.Error(err))
			}
			return nil
		})
	}
	_ = eg.Wait()

	if staging.Critical() {
		c.logger.Debug("skipping learned token commit after critical error", zap.String("account", account))
	} else {
		c.hints.Commit(ctx, staging)
	}
	c.refreshAssetIndex(ctx, account)
	c.logger.Debug("account updated",
		zap.String("account", account),
		zap.Int("networks", len(networks)),
		zap.Duration("duration", c.now().Sub(started)))
	return nil
}

func (c *Controller) resolveNetworks(chainIDs []int64) []network.Network {
	if chainIDs == nil {
		return c.networks.Networks()
	}
	out := make([]network.Network, 0, len(chainIDs))
	seen := map[int64]bool{}
	for _, id := range chainIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		n, ok := c.networks.Network(id)
		if !ok {
			c.logger.Warn("ignoring unknown network", zap.Int64("chain_id", id))
			continue
		}
		out = append(out, n)
	}
	return out
}

func (c *Controller) updateNetwork(ctx context.Context, account string, n network.Network, sim *model.Simulation, opts UpdateOptions, staging *Staging) {
	key := n.Key()
	maxAge := c.cfg.LatestMaxAge
	if opts.MaxDataAge > 0 {
		maxAge = opts.MaxDataAge
	}

	latest, ok := c.slot(treeLatest, account, key)
	var latestPtr *model.NetworkState
	if ok {
		latestPtr = &latest
	}
	if !ShouldSkipUpdate(latestPtr, opts.ForceUpdate, maxAge, c.now()) {
		c.fetch(ctx, treeLatest, account, n, nil, opts, opts.ForceUpdate, staging)
	}

	ops := sim.Ops(n.ChainID)
	if len(ops) == 0 {
		c.mirrorPending(account, key)
		return
	}

	pending, ok := c.slot(treePending, account, key)
	force := opts.ForceUpdate || !ok || !IntentsEqual(pending.AccountOps, ops)
	var pendingPtr *model.NetworkState
	if ok {
		pendingPtr = &pending
	}
	if ShouldSkipUpdate(pendingPtr, force, maxAge, c.now()) {
		return
	}
	input := &model.SimulationInput{
		Account:    account,
		AccountOps: model.CloneAccountOps(ops),
		State:      sim.State(n.ChainID),
	}
	c.fetch(ctx, treePending, account, n, input, opts, force, staging)
}

func (c *Controller) fetch(ctx context.Context, t tree, account string, n network.Network, simInput *model.SimulationInput, opts UpdateOptions, forced bool, staging *Staging) {
	key := n.Key()
	c.modify(t, account, key, func(s *model.NetworkState) { s.IsLoading = true })

	fetchPinned := !c.accountHasAssets(account)
	discoveryOpts := c.discoveryOptions(account, n, simInput, opts, fetchPinned)
	started := c.now()
	res, err := c.discover(ctx, n, account, discoveryOpts)
	finished := c.now()

	if _, stillEnabled := c.networks.Network(n.ChainID); !stillEnabled {
		c.logger.Debug("dropping result for retired network", zap.Int64("chain_id", n.ChainID))
		c.drop(account, key)
		return
	}

	if err != nil {
		staging.MarkCritical()
		c.logger.Warn("portfolio refresh failed",
			zap.String("account", account),
			zap.Int64("chain_id", n.ChainID),
			zap.Stringer("state", t),
			zap.Bool("forced", forced),
			zap.Error(err))
		c.modify(t, account, key, func(s *model.NetworkState) {
			s.IsLoading = false
			s.CriticalError = criticalDetail(err, finished)
			if forced && s.Result != nil {
				s.Result.LastSuccessfulUpdate = 0
			}
		})
		return
	}

	result := res.Result.Clone()
	result.UpdateStarted = started.UnixMilli()
	result.LastSuccessfulUpdate = finished.UnixMilli()
	result.DiscoveryTimeMS = finished.Sub(started).Milliseconds()
	c.postProcess(&result, n, fetchPinned)

	if t == treeLatest {
		c.hints.Observe(ctx, n.ChainID, account, &result)
	}
	staging.Stage(n.ChainID, res.ToBeLearned, result.HintsFromExternalAPI)

	state := model.NetworkState{
		IsReady: true,
		Errors:  append([]model.ErrorEntry(nil), result.Errors...),
		Result:  &result,
	}
	if simInput != nil {
		state.AccountOps = model.CloneAccountOps(simInput.AccountOps)
	}
	c.put(t, account, key, state)
}

// discover calls the discovery engine and turns a panic into an error.
func (c *Controller) discover(ctx context.Context, n network.Network, account string, opts model.DiscoveryOptions) (res model.DiscoveryResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = clierr.New(clierr.CodeInternal, fmt.Sprintf("discovery panicked: %v", r))
		}
	}()
	return c.discovery.Get(ctx, n, account, opts)
}

// abandon clears a loading flag left behind by a task that did not finish
// and records err so the next refresh is not skipped.
func (c *Controller) abandon(account, key string, err error) {
	at := c.now()
	for _, t := range []tree{treeLatest, treePending} {
		c.mu.Lock()
		state, ok := c.treeLocked(t, account)[key]
		if ok && state.IsLoading {
			state.IsLoading = false
			state.CriticalError = criticalDetail(err, at)
			c.treeLocked(t, account)[key] = state
		}
		c.mu.Unlock()
	}
}

func (c *Controller) discoveryOptions(account string, n network.Network, simInput *model.SimulationInput, opts UpdateOptions, fetchPinned bool) model.DiscoveryOptions {
	erc20s := c.hints.LearnedTokens(n.ChainID)
	erc721s := c.hints.LearnedNfts(n.ChainID)
	customErc20s, customErc721s := c.prefs.Hints(n.ChainID)
	erc20s = appendUnique(erc20s, customErc20s...)
	for collection, ids := range customErc721s {
		erc721s[collection] = mergeIDs(erc721s[collection], ids)
	}
	return model.DiscoveryOptions{
		AdditionalErc20Hints:  erc20s,
		AdditionalErc721Hints: erc721s,
		PreviousHints:         c.hints.Previous(n.ChainID, account),
		Simulation:            simInput,
		DisableAutoDiscovery:  opts.DisableAutoDiscovery,
		FetchPinned:           fetchPinned,
		PriceRecency:          c.cfg.PriceRecency,
	}
}

// postProcess backfills pinned tokens, applies preferences, drops empty
// tokens nobody asked for and fills in the USD total.
func (c *Controller) postProcess(result *model.PortfolioResult, n network.Network, fetchPinned bool) {
	if fetchPinned {
		present := map[string]bool{}
		for _, token := range result.Tokens {
			present[normalizeAddr(token.Address)] = true
		}
		for _, pinned := range n.Pinned {
			if present[normalizeAddr(pinned.Address)] {
				continue
			}
			result.Tokens = append(result.Tokens, model.Token{
				Address:  pinned.Address,
				ChainID:  n.ChainID,
				Symbol:   pinned.Symbol,
				Decimals: pinned.Decimals,
				Amount:   "0",
			})
		}
	}

	keep := c.prefs.Tag(n.ChainID, result.Tokens)
	filtered := result.Tokens[:0]
	for _, token := range result.Tokens {
		pinned := fetchPinned && n.IsPinned(token.Address)
		if pinned {
			token.Flags.IsPinned = true
		}
		if token.HasBalance() || token.IsNative() || pinned || keep[normalizeAddr(token.Address)] {
			filtered = append(filtered, token)
		}
	}
	result.Tokens = filtered
	sort.SliceStable(result.Tokens, func(i, j int) bool {
		a, b := result.Tokens[i], result.Tokens[j]
		if a.IsNative() != b.IsNative() {
			return a.IsNative()
		}
		return strings.ToLower(a.Address) < strings.ToLower(b.Address)
	})

	if result.Total == nil {
		result.Total = map[string]float64{"usd": totalUSD(result.Tokens)}
	}
}

func totalUSD(tokens []model.Token) float64 {
	sum := decimal.Zero
	for _, token := range tokens {
		if token.Flags.IsHidden || token.PriceUSD == 0 {
			continue
		}
		amount, err := decimal.NewFromString(token.Amount)
		if err != nil {
			continue
		}
		value := amount.Shift(-int32(token.Decimals)).Mul(decimal.NewFromFloat(token.PriceUSD))
		sum = sum.Add(value)
	}
	out, _ := sum.Float64()
	return out
}

func (c *Controller) mirrorPending(account, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	latest, ok := c.latest[account][key]
	if !ok {
		return
	}
	mirrored := latest.Clone()
	mirrored.AccountOps = nil
	c.treeLocked(treePending, account)[key] = mirrored
}

func (c *Controller) accountHasAssets(account string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, has := range c.withAssets[account] {
		if has {
			return true
		}
	}
	return false
}

func (c *Controller) refreshAssetIndex(ctx context.Context, account string) {
	c.mu.Lock()
	index := c.withAssets[account]
	if index == nil {
		index = map[string]bool{}
		c.withAssets[account] = index
	}
	for key, state := range c.latest[account] {
		if state.Result == nil {
			continue
		}
		index[key] = state.HasAssets()
	}
	snapshot := c.assetIndexLocked()
	c.mu.Unlock()
	c.persistAssetIndex(ctx, snapshot)
}

func (c *Controller) assetIndexLocked() map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(c.withAssets))
	for account, networks := range c.withAssets {
		copied := make(map[string]bool, len(networks))
		for k, v := range networks {
			copied[k] = v
		}
		out[account] = copied
	}
	return out
}

func (c *Controller) persistAssetIndex(ctx context.Context, index map[string]map[string]bool) {
	if c.storage == nil {
		return
	}
	if err := c.storage.Set(ctx, assetIndexStorageKey, index); err != nil {
		c.logger.Warn("persist asset index failed", zap.Error(err))
	}
}

// AddCustomToken registers a token and optionally refreshes its network.
func (c *Controller) AddCustomToken(ctx context.Context, token model.CustomToken, opts MutationOptions) error {
	c.Init(ctx)
	if !common.IsHexAddress(token.Address) {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid token address: %s", token.Address))
	}
	if _, ok := c.networks.Network(token.ChainID); !ok {
		return clierr.New(clierr.CodeUnsupported, fmt.Sprintf("network %d is not enabled", token.ChainID))
	}
	if strings.EqualFold(token.Standard, StandardERC721) {
		if len(token.TokenIDs) == 0 {
			return clierr.New(clierr.CodeUsage, "ERC721 custom token requires at least one token ID")
		}
		ids := make([]string, 0, len(token.TokenIDs))
		for _, id := range token.TokenIDs {
			v, ok := new(big.Int).SetString(strings.TrimSpace(id), 10)
			if !ok || v.Sign() < 0 {
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid token ID: %s", id))
			}
			ids = append(ids, v.String())
		}
		token.TokenIDs = ids
	} else if len(token.TokenIDs) > 0 {
		return clierr.New(clierr.CodeUsage, "token IDs apply only to ERC721 tokens")
	}
	if err := c.prefs.AddCustomToken(ctx, token); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "save custom token", err)
	}
	return c.refreshAfterMutation(ctx, token.ChainID, opts)
}

func (c *Controller) RemoveCustomToken(ctx context.Context, address string, chainID int64, opts MutationOptions) error {
	c.Init(ctx)
	removed, err := c.prefs.RemoveCustomToken(ctx, address, chainID)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "save custom tokens", err)
	}
	if !removed {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("no custom token %s on network %d", address, chainID))
	}
	return c.refreshAfterMutation(ctx, chainID, opts)
}

func (c *Controller) SetTokenPreference(ctx context.Context, pref model.TokenPreference, opts MutationOptions) error {
	c.Init(ctx)
	if !common.IsHexAddress(pref.Address) {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid token address: %s", pref.Address))
	}
	if err := c.prefs.SetTokenPreference(ctx, pref); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "save token preference", err)
	}
	return c.refreshAfterMutation(ctx, pref.ChainID, opts)
}

// RemoveTokenPreference drops a hide/show entry so the token falls back to
// default visibility.
func (c *Controller) RemoveTokenPreference(ctx context.Context, address string, chainID int64, opts MutationOptions) error {
	c.Init(ctx)
	removed, err := c.prefs.RemoveTokenPreference(ctx, address, chainID)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "save token preferences", err)
	}
	if !removed {
		return clierr.Newf(clierr.CodeUsage, "no preference for %s on network %d", address, chainID)
	}
	return c.refreshAfterMutation(ctx, chainID, opts)
}

func (c *Controller) refreshAfterMutation(ctx context.Context, chainID int64, opts MutationOptions) error {
	if opts.RefreshAccount == "" {
		return nil
	}
	return c.UpdateAccount(ctx, opts.RefreshAccount, []int64{chainID}, nil, UpdateOptions{ForceUpdate: true})
}

func (c *Controller) snapshot(t tree, accountID string) map[string]model.NetworkState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.treeMap(t)[accountKey(accountID)]
	out := make(map[string]model.NetworkState, len(src))
	for k, v := range src {
		out[k] = v.Clone()
	}
	return out
}

func (c *Controller) slot(t tree, accountID, key string) (model.NetworkState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.treeMap(t)[accountKey(accountID)][key]
	if !ok {
		return model.NetworkState{}, false
	}
	return state.Clone(), true
}

// modify applies fn to a copy of the slot, creating it when missing, and
// stores the copy.
func (c *Controller) modify(t tree, account, key string, fn func(*model.NetworkState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slots := c.treeLocked(t, account)
	state := slots[key].Clone()
	fn(&state)
	slots[key] = state
}

func (c *Controller) drop(account, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.latest[account], key)
	delete(c.pending[account], key)
}

func (c *Controller) put(t tree, account, key string, state model.NetworkState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.treeLocked(t, account)[key] = state
}

func (c *Controller) treeMap(t tree) map[string]map[string]model.NetworkState {
	if t == treePending {
		return c.pending
	}
	return c.latest
}

func (c *Controller) treeLocked(t tree, account string) map[string]model.NetworkState {
	m := c.treeMap(t)
	slots, ok := m[account]
	if !ok {
		slots = map[string]model.NetworkState{}
		m[account] = slots
	}
	return slots
}

func criticalDetail(err error, at time.Time) *model.ErrorDetail {
	return &model.ErrorDetail{
		Code:    int(clierr.CodeOf(err)),
		Message: err.Error(),
		At:      at.UnixMilli(),
	}
}

func accountKey(id string) string {
	id = strings.TrimSpace(id)
	if common.IsHexAddress(id) {
		return common.HexToAddress(id).Hex()
	}
	return id
}

func laneKey(account, slot string) string {
	return account + ":" + slot
}

// NetworkKey is the state key of a chain ID.
func NetworkKey(chainID int64) string {
	return strconv.FormatInt(chainID, 10)
}

func appendUnique(dst []string, values ...string) []string {
	seen := make(map[string]bool, len(dst)+len(values))
	for _, v := range dst {
		seen[strings.ToLower(v)] = true
	}
	for _, v := range values {
		if seen[strings.ToLower(v)] {
			continue
		}
		seen[strings.ToLower(v)] = true
		dst = append(dst, v)
	}
	return dst
}
