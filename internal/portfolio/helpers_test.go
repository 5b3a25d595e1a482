package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/portfolio-sync/internal/model"
	"github.com/ggonzalez94/portfolio-sync/internal/network"
	"github.com/ggonzalez94/portfolio-sync/internal/storage"
)

const (
	testAccount = "0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"
	otherAcct   = "0xAb8483F64d9C6d1EcF9b849Ae677dD3315835cb2"
	usdcEth     = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

func tokenAddr(i int) string {
	return common.HexToAddress(fmt.Sprintf("0x%040x", i+1000)).Hex()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeAccounts map[string]bool

func (f fakeAccounts) Has(id string) bool { return f[accountKey(id)] }

type fakeDiscovery struct {
	mu           sync.Mutex
	calls        map[int64]int
	pendingCalls map[int64]int
	active       map[int64]int
	maxActive    int
	results      map[int64]model.DiscoveryResult
	errs         map[int64]error
	lastOpts     map[int64]model.DiscoveryOptions
	panics       map[int64]int
	delay        time.Duration
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{
		calls:        map[int64]int{},
		pendingCalls: map[int64]int{},
		active:       map[int64]int{},
		results:      map[int64]model.DiscoveryResult{},
		errs:         map[int64]error{},
		lastOpts:     map[int64]model.DiscoveryOptions{},
		panics:       map[int64]int{},
	}
}

func (f *fakeDiscovery) Get(_ context.Context, n network.Network, _ string, opts model.DiscoveryOptions) (model.DiscoveryResult, error) {
	f.mu.Lock()
	if opts.Simulation != nil {
		f.pendingCalls[n.ChainID]++
	} else {
		f.calls[n.ChainID]++
	}
	f.lastOpts[n.ChainID] = opts
	if f.panics[n.ChainID] > 0 {
		f.panics[n.ChainID]--
		f.mu.Unlock()
		panic(fmt.Sprintf("decode failure on chain %d", n.ChainID))
	}
	f.active[n.ChainID]++
	if f.active[n.ChainID] > f.maxActive {
		f.maxActive = f.active[n.ChainID]
	}
	res, err := f.results[n.ChainID], f.errs[n.ChainID]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.active[n.ChainID]--
	f.mu.Unlock()
	if err != nil {
		return model.DiscoveryResult{}, err
	}
	return model.DiscoveryResult{Result: res.Result.Clone(), ToBeLearned: res.ToBeLearned}, nil
}

func (f *fakeDiscovery) set(chainID int64, res model.DiscoveryResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[chainID] = res
	f.errs[chainID] = err
}

func (f *fakeDiscovery) latestCalls(chainID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[chainID]
}

func (f *fakeDiscovery) simulatedCalls(chainID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingCalls[chainID]
}

func (f *fakeDiscovery) options(chainID int64) model.DiscoveryOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpts[chainID]
}

type fakeAdditional struct {
	mu    sync.Mutex
	calls int
	res   model.AdditionalPortfolio
	err   error
}

func (f *fakeAdditional) PortfolioAdditional(context.Context, string) (model.AdditionalPortfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res, f.err
}

func (f *fakeAdditional) set(res model.AdditionalPortfolio, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.res, f.err = res, err
}

func (f *fakeAdditional) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBanners struct {
	mu  sync.Mutex
	got map[string][]model.Banner
}

func (f *fakeBanners) AddBanners(_ context.Context, accountID string, banners []model.Banner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.got == nil {
		f.got = map[string][]model.Banner{}
	}
	f.got[accountID] = append(f.got[accountID], banners...)
	return nil
}

func testNetworks() *network.Registry {
	return network.NewCustomRegistry(
		network.Network{Name: "Ethereum", Slug: "ethereum", ChainID: 1, NativeSymbol: "ETH", NativeDecimals: 18, Pinned: []network.Token{
			{Symbol: "USDC", Address: usdcEth, Decimals: 6},
		}},
		network.Network{Name: "Optimism", Slug: "optimism", ChainID: 10, NativeSymbol: "ETH", NativeDecimals: 18},
	)
}

type harness struct {
	ctrl       *Controller
	discovery  *fakeDiscovery
	additional *fakeAdditional
	banners    *fakeBanners
	store      *storage.Memory
	clock      *fakeClock
}

func newHarness(withAdditional bool) *harness {
	h := &harness{
		discovery: newFakeDiscovery(),
		banners:   &fakeBanners{},
		store:     storage.NewMemory(),
		clock:     newClock(),
	}
	deps := Deps{
		Accounts:  fakeAccounts{testAccount: true, otherAcct: true},
		Networks:  testNetworks(),
		Discovery: h.discovery,
		Banners:   h.banners,
		Storage:   h.store,
		Now:       h.clock.Now,
	}
	if withAdditional {
		h.additional = &fakeAdditional{}
		deps.Additional = h.additional
	}
	h.ctrl = New(deps, Config{})
	return h
}

func nativeOnly(chainID int64, amount string) model.DiscoveryResult {
	return model.DiscoveryResult{Result: model.PortfolioResult{
		BlockNumber: 100,
		Tokens: []model.Token{
			{Address: model.NativeAddress, ChainID: chainID, Symbol: "ETH", Decimals: 18, Amount: amount},
		},
	}}
}

func withToken(res model.DiscoveryResult, address, amount string) model.DiscoveryResult {
	res.Result.Tokens = append(append([]model.Token(nil), res.Result.Tokens...), model.Token{
		Address: address, ChainID: res.Result.Tokens[0].ChainID, Symbol: "TKN", Decimals: 18, Amount: amount,
	})
	return res
}

func findToken(state model.NetworkState, address string) (model.Token, bool) {
	if state.Result == nil {
		return model.Token{}, false
	}
	for _, token := range state.Result.Tokens {
		if normalizeAddr(token.Address) == normalizeAddr(address) {
			return token, true
		}
	}
	return model.Token{}, false
}
