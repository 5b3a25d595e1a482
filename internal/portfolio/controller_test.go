package portfolio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/portfolio-sync/internal/errors"
	"github.com/ggonzalez94/portfolio-sync/internal/model"
)

func TestUpdateAccountRejectsUnknownAccount(t *testing.T) {
	h := newHarness(true)
	err := h.ctrl.UpdateAccount(context.Background(), "0x4B20993Bc481177ec7E8f571ceCaE8A9e22C02db", nil, nil, UpdateOptions{})
	if !clierr.Is(err, clierr.CodeUnknownAccount) {
		t.Fatalf("expected unknown account error, got %v", err)
	}
	if h.discovery.latestCalls(1) != 0 || h.additional.count() != 0 {
		t.Fatal("expected no work for unknown account")
	}
}

func TestReadsBeforeFetchAreEmpty(t *testing.T) {
	h := newHarness(false)
	if got := h.ctrl.Latest(testAccount); len(got) != 0 {
		t.Fatalf("expected empty latest, got %v", got)
	}
	if got := h.ctrl.Pending(testAccount); len(got) != 0 {
		t.Fatalf("expected empty pending, got %v", got)
	}
	if _, ok := h.ctrl.LatestNetwork(testAccount, "1"); ok {
		t.Fatal("expected missing slot")
	}
}

func TestUpdateAccountIsIdempotentWithinWindow(t *testing.T) {
	h := newHarness(false)
	h.discovery.set(1, nativeOnly(1, "1000"), nil)
	h.discovery.set(10, nativeOnly(10, "0"), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.ctrl.UpdateAccount(ctx, testAccount, nil, nil, UpdateOptions{}); err != nil {
			t.Fatalf("UpdateAccount failed: %v", err)
		}
		h.clock.Advance(time.Second)
	}
	if h.discovery.latestCalls(1) != 1 || h.discovery.latestCalls(10) != 1 {
		t.Fatalf("expected one discovery call per network, got %v", h.discovery.calls)
	}

	h.clock.Advance(DefaultLatestMaxAge)
	if err := h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateAccount failed: %v", err)
	}
	if h.discovery.latestCalls(1) != 2 || h.discovery.latestCalls(10) != 1 {
		t.Fatalf("expected only the stale requested network to refresh, got %v", h.discovery.calls)
	}
}

func TestConcurrentUpdatesSerializePerNetwork(t *testing.T) {
	h := newHarness(false)
	h.discovery.delay = 5 * time.Millisecond
	h.discovery.set(1, nativeOnly(1, "1"), nil)
	h.discovery.set(10, nativeOnly(10, "1"), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.ctrl.UpdateAccount(context.Background(), testAccount, nil, nil, UpdateOptions{})
		}()
	}
	wg.Wait()

	if h.discovery.maxActive != 1 {
		t.Fatalf("expected no overlapping refresh per network, saw %d", h.discovery.maxActive)
	}
	if h.discovery.latestCalls(1) != 1 || h.discovery.latestCalls(10) != 1 {
		t.Fatalf("expected queued duplicates to reuse fresh data, got %v", h.discovery.calls)
	}
	state, _ := h.ctrl.LatestNetwork(testAccount, "1")
	if !state.IsReady || state.IsLoading {
		t.Fatalf("unexpected final state %+v", state)
	}
}

func TestOverlappingForcedUpdatesKeepLaterResult(t *testing.T) {
	h := newHarness(false)
	h.discovery.delay = 20 * time.Millisecond
	h.discovery.set(1, nativeOnly(1, "1"), nil)
	ctx := context.Background()
	force := UpdateOptions{ForceUpdate: true}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, force)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for h.discovery.latestCalls(1) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first refresh never started")
		}
		time.Sleep(time.Millisecond)
	}
	h.discovery.set(1, nativeOnly(1, "2"), nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, force)
	}()
	wg.Wait()

	if h.discovery.latestCalls(1) != 2 || h.discovery.maxActive != 1 {
		t.Fatalf("expected two serialized refreshes, got calls=%d overlap=%d", h.discovery.latestCalls(1), h.discovery.maxActive)
	}
	state, _ := h.ctrl.LatestNetwork(testAccount, "1")
	if token, ok := findToken(state, model.NativeAddress); !ok || token.Amount != "2" {
		t.Fatalf("expected the later call's result stored, got %+v", state.Result)
	}
}

func TestForceUpdateBypassesWindow(t *testing.T) {
	h := newHarness(false)
	h.discovery.set(1, nativeOnly(1, "1"), nil)
	ctx := context.Background()
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{})
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{ForceUpdate: true})
	if h.discovery.latestCalls(1) != 2 {
		t.Fatalf("expected forced refresh, got %d calls", h.discovery.latestCalls(1))
	}
}

func TestForcedErrorResetsLastSuccessfulUpdate(t *testing.T) {
	h := newHarness(false)
	ctx := context.Background()
	h.discovery.set(1, nativeOnly(1, "42"), nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{})

	h.clock.Advance(time.Second)
	h.discovery.set(1, model.DiscoveryResult{}, clierr.New(clierr.CodeUnavailable, "rpc down"))
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{ForceUpdate: true})

	state, _ := h.ctrl.LatestNetwork(testAccount, "1")
	if state.CriticalError == nil || state.CriticalError.Code != int(clierr.CodeUnavailable) {
		t.Fatalf("expected critical error, got %+v", state.CriticalError)
	}
	if state.IsLoading {
		t.Fatal("expected loading cleared after failure")
	}
	if state.Result == nil || state.Result.LastSuccessfulUpdate != 0 {
		t.Fatalf("expected reset timestamp with preserved result, got %+v", state.Result)
	}
	if token, ok := findToken(state, model.NativeAddress); !ok || token.Amount != "42" {
		t.Fatalf("expected previous tokens preserved, got %+v", state.Result.Tokens)
	}

	h.discovery.set(1, nativeOnly(1, "43"), nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{})
	if h.discovery.latestCalls(1) != 3 {
		t.Fatalf("expected refetch after critical error, got %d calls", h.discovery.latestCalls(1))
	}
	state, _ = h.ctrl.LatestNetwork(testAccount, "1")
	if state.CriticalError != nil || state.Result.LastSuccessfulUpdate == 0 {
		t.Fatalf("expected recovered state, got %+v", state)
	}
}

func TestDiscoveryPanicRecordsCriticalError(t *testing.T) {
	h := newHarness(false)
	ctx := context.Background()
	h.discovery.set(1, nativeOnly(1, "7"), nil)
	h.discovery.panics[1] = 1

	if err := h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateAccount failed: %v", err)
	}
	state, _ := h.ctrl.LatestNetwork(testAccount, "1")
	if state.IsLoading || state.CriticalError == nil {
		t.Fatalf("expected loading cleared with a critical error, got %+v", state)
	}

	h.clock.Advance(time.Hour)
	if err := h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateAccount failed: %v", err)
	}
	if h.discovery.latestCalls(1) != 2 {
		t.Fatalf("expected a real refetch after the panic, got %d calls", h.discovery.latestCalls(1))
	}
	state, _ = h.ctrl.LatestNetwork(testAccount, "1")
	if !state.IsReady || state.CriticalError != nil {
		t.Fatalf("expected recovered state, got %+v", state)
	}
}

func TestUnforcedErrorKeepsTimestamp(t *testing.T) {
	h := newHarness(false)
	ctx := context.Background()
	h.discovery.set(1, nativeOnly(1, "1"), nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{})
	first, _ := h.ctrl.LatestNetwork(testAccount, "1")

	h.clock.Advance(DefaultLatestMaxAge)
	h.discovery.set(1, model.DiscoveryResult{}, errors.New("timeout"))
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{})
	state, _ := h.ctrl.LatestNetwork(testAccount, "1")
	if state.CriticalError == nil || state.Result.LastSuccessfulUpdate != first.Result.LastSuccessfulUpdate {
		t.Fatalf("expected timestamp kept on unforced failure, got %+v", state)
	}
}

func TestPinnedTokensForEmptyAccount(t *testing.T) {
	h := newHarness(false)
	ctx := context.Background()
	h.discovery.set(1, nativeOnly(1, "0"), nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{})

	if !h.discovery.options(1).FetchPinned {
		t.Fatal("expected pinned fetch for an account without assets")
	}
	state, _ := h.ctrl.LatestNetwork(testAccount, "1")
	pinned, ok := findToken(state, usdcEth)
	if !ok || pinned.Amount != "0" || !pinned.Flags.IsPinned {
		t.Fatalf("expected zero-balance pinned token, got %+v", state.Result.Tokens)
	}
	if _, ok := findToken(state, model.NativeAddress); !ok {
		t.Fatal("expected native token kept at zero balance")
	}

	h.discovery.set(1, withToken(nativeOnly(1, "0"), tokenAddr(1), "5"), nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{ForceUpdate: true})
	if !h.ctrl.NetworksWithAssets(testAccount)["1"] {
		t.Fatal("expected asset index to record holdings")
	}

	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{ForceUpdate: true})
	if h.discovery.options(1).FetchPinned {
		t.Fatal("expected pinned fetch disabled once the account holds assets")
	}
	state, _ = h.ctrl.LatestNetwork(testAccount, "1")
	if _, ok := findToken(state, usdcEth); ok {
		t.Fatal("expected zero-balance pinned token dropped for account with assets")
	}

	var index map[string]map[string]bool
	if found, _ := h.store.Get(ctx, assetIndexStorageKey, &index); !found || !index[testAccount]["1"] {
		t.Fatalf("expected persisted asset index, got %v", index)
	}
}

func TestAdditionalFailurePreservesResult(t *testing.T) {
	h := newHarness(true)
	ctx := context.Background()
	h.discovery.set(1, nativeOnly(1, "1"), nil)
	h.discovery.set(10, nativeOnly(10, "1"), nil)
	h.additional.set(model.AdditionalPortfolio{
		GasTank: []model.Token{{Address: usdcEth, ChainID: 1, Symbol: "USDC", Decimals: 6, Amount: "2500000", PriceUSD: 1}},
		Rewards: []model.Token{{Address: tokenAddr(1), ChainID: 1, Symbol: "WALLET", Decimals: 18, Amount: "10"}},
	}, nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, nil, nil, UpdateOptions{})

	gasTank, _ := h.ctrl.LatestNetwork(testAccount, model.GasTankKey)
	if !gasTank.IsReady || len(gasTank.Result.Tokens) != 1 || !gasTank.Result.Tokens[0].Flags.OnGasTank {
		t.Fatalf("unexpected gas tank state %+v", gasTank)
	}
	if gasTank.Result.Total["usd"] != 2.5 {
		t.Fatalf("expected usd total 2.5, got %v", gasTank.Result.Total)
	}
	rewards, _ := h.ctrl.LatestNetwork(testAccount, model.RewardsKey)
	if rewards.Result.Tokens[0].Flags.RewardsType != defaultRewardsType {
		t.Fatalf("expected rewards type, got %+v", rewards.Result.Tokens[0].Flags)
	}

	h.additional.set(model.AdditionalPortfolio{}, clierr.New(clierr.CodeUnavailable, "relayer down"))
	_ = h.ctrl.UpdateAccount(ctx, testAccount, nil, nil, UpdateOptions{ForceUpdate: true})

	for _, key := range []string{model.GasTankKey, model.RewardsKey} {
		state, _ := h.ctrl.LatestNetwork(testAccount, key)
		if state.IsLoading || state.CriticalError == nil {
			t.Fatalf("%s: expected settled critical error, got %+v", key, state)
		}
		if state.Result == nil || len(state.Result.Tokens) != 1 {
			t.Fatalf("%s: expected previous result preserved, got %+v", key, state.Result)
		}
	}
	for _, key := range []string{"1", "10"} {
		state, _ := h.ctrl.LatestNetwork(testAccount, key)
		if state.CriticalError != nil || !state.IsReady {
			t.Fatalf("network %s affected by relayer failure: %+v", key, state)
		}
	}
}

func TestAdditionalSkippedWhenBothSlotsFresh(t *testing.T) {
	h := newHarness(true)
	ctx := context.Background()
	h.additional.set(model.AdditionalPortfolio{}, nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{}, nil, UpdateOptions{})
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{}, nil, UpdateOptions{})
	if h.additional.count() != 1 {
		t.Fatalf("expected one relayer call, got %d", h.additional.count())
	}
	h.clock.Advance(DefaultGasTankMaxAge)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{}, nil, UpdateOptions{})
	if h.additional.count() != 2 {
		t.Fatalf("expected refresh once the gas tank window passed, got %d", h.additional.count())
	}
}

func TestAdditionalForwardsBanners(t *testing.T) {
	h := newHarness(true)
	h.additional.set(model.AdditionalPortfolio{
		Banners: []model.Banner{{ID: "b1", Type: "updates", Title: "Rewards", Text: "Claim now"}},
	}, nil)
	_ = h.ctrl.UpdateAccount(context.Background(), testAccount, []int64{}, nil, UpdateOptions{})
	got := h.banners.got[testAccount]
	if len(got) != 1 || got[0].ID != "b1" || got[0].AccountID != testAccount {
		t.Fatalf("unexpected banners %+v", h.banners.got)
	}
}

func TestLearnedTokensCommitOnlyWithoutCriticalError(t *testing.T) {
	h := newHarness(false)
	ctx := context.Background()
	learned := nativeOnly(1, "1")
	learned.ToBeLearned = model.ToBeLearned{Erc20s: []string{tokenAddr(1)}}
	h.discovery.set(1, learned, nil)
	h.discovery.set(10, model.DiscoveryResult{}, errors.New("rpc down"))

	_ = h.ctrl.UpdateAccount(ctx, testAccount, nil, nil, UpdateOptions{})
	if got := h.ctrl.Hints().LearnedTokens(1); len(got) != 0 {
		t.Fatalf("expected nothing learned after a critical error, got %v", got)
	}

	h.discovery.set(10, nativeOnly(10, "1"), nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, nil, nil, UpdateOptions{ForceUpdate: true})
	if got := h.ctrl.Hints().LearnedTokens(1); len(got) != 1 || got[0] != tokenAddr(1) {
		t.Fatalf("expected learned token committed, got %v", got)
	}
	if ts, ok := h.ctrl.Hints().LearnedTimestamp(1, tokenAddr(1)); !ok || ts != nil {
		t.Fatalf("expected learned token without timestamp, got %v ok=%v", ts, ok)
	}

	next := withToken(nativeOnly(1, "1"), tokenAddr(1), "9")
	h.discovery.set(1, next, nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{ForceUpdate: true})
	if !containsAddr(h.discovery.options(1).AdditionalErc20Hints, tokenAddr(1)) {
		t.Fatalf("expected learned token passed as hint, got %v", h.discovery.options(1).AdditionalErc20Hints)
	}
	if ts, _ := h.ctrl.Hints().LearnedTimestamp(1, tokenAddr(1)); ts == nil || *ts != h.clock.Now().UnixMilli() {
		t.Fatalf("expected learned token touched, got %v", ts)
	}
}

func TestExternalHintsSupersedeLearned(t *testing.T) {
	h := newHarness(false)
	ctx := context.Background()
	first := nativeOnly(1, "1")
	first.ToBeLearned = model.ToBeLearned{Erc20s: []string{tokenAddr(2)}}
	h.discovery.set(1, first, nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{})
	if len(h.ctrl.Hints().LearnedTokens(1)) != 1 {
		t.Fatal("expected token learned")
	}

	second := withToken(nativeOnly(1, "1"), tokenAddr(2), "3")
	second.Result.HintsFromExternalAPI = &model.ExternalHints{Erc20s: []string{tokenAddr(2)}, LastUpdate: 1}
	second.ToBeLearned = model.ToBeLearned{Erc20s: []string{tokenAddr(2)}}
	h.discovery.set(1, second, nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{ForceUpdate: true})
	if got := h.ctrl.Hints().LearnedTokens(1); len(got) != 0 {
		t.Fatalf("expected API-confirmed token removed from learned set, got %v", got)
	}

	h.discovery.set(1, nativeOnly(1, "1"), nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{ForceUpdate: true})
	prev := h.discovery.options(1).PreviousHints
	if prev == nil || !containsAddr(prev.Erc20s, tokenAddr(2)) {
		t.Fatalf("expected previous API hints passed to discovery, got %+v", prev)
	}
}

func TestPendingWithoutOpsMirrorsLatest(t *testing.T) {
	h := newHarness(false)
	h.discovery.set(1, nativeOnly(1, "7"), nil)
	_ = h.ctrl.UpdateAccount(context.Background(), testAccount, []int64{1}, nil, UpdateOptions{})
	if h.discovery.simulatedCalls(1) != 0 {
		t.Fatal("expected no simulated discovery without pending ops")
	}
	pending, ok := h.ctrl.PendingNetwork(testAccount, "1")
	if !ok {
		t.Fatal("expected pending slot")
	}
	if token, _ := findToken(pending, model.NativeAddress); token.Amount != "7" {
		t.Fatalf("expected pending to mirror latest, got %+v", pending.Result)
	}
}

func TestPendingReusedForEqualIntent(t *testing.T) {
	h := newHarness(false)
	ctx := context.Background()
	h.discovery.set(1, nativeOnly(1, "7"), nil)

	sim := &model.Simulation{AccountOps: map[int64][]model.AccountOp{1: {transferOp(1, "0xaaaa", "0", "0xa9059cbb01")}}}
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, sim, UpdateOptions{})
	if h.discovery.latestCalls(1) != 1 || h.discovery.simulatedCalls(1) != 1 {
		t.Fatalf("expected latest and pending refresh, got latest=%d pending=%d", h.discovery.latestCalls(1), h.discovery.simulatedCalls(1))
	}
	if opts := h.discovery.options(1); opts.Simulation == nil || len(opts.Simulation.AccountOps) != 1 {
		t.Fatalf("expected simulation payload, got %+v", opts.Simulation)
	}

	resigned := &model.Simulation{AccountOps: map[int64][]model.AccountOp{1: {transferOp(2, "0xbbbb", "0", "0xA9059CBB01")}}}
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, resigned, UpdateOptions{})
	if h.discovery.simulatedCalls(1) != 1 {
		t.Fatalf("expected pending reused for same intent, got %d", h.discovery.simulatedCalls(1))
	}

	changed := &model.Simulation{AccountOps: map[int64][]model.AccountOp{1: {transferOp(2, "0xbbbb", "0", "0xa9059cbb02")}}}
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, changed, UpdateOptions{})
	if h.discovery.simulatedCalls(1) != 2 || h.discovery.latestCalls(1) != 1 {
		t.Fatalf("expected forced pending only, got latest=%d pending=%d", h.discovery.latestCalls(1), h.discovery.simulatedCalls(1))
	}
	pending, _ := h.ctrl.PendingNetwork(testAccount, "1")
	if len(pending.AccountOps) != 1 || pending.AccountOps[0].Calls[0].Data != "0xa9059cbb02" {
		t.Fatalf("expected pending to carry the latest ops, got %+v", pending.AccountOps)
	}

	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{})
	pending, _ = h.ctrl.PendingNetwork(testAccount, "1")
	if len(pending.AccountOps) != 0 {
		t.Fatal("expected pending to drop ops once none remain")
	}
}

func TestReadsReturnCopies(t *testing.T) {
	h := newHarness(false)
	h.discovery.set(1, nativeOnly(1, "7"), nil)
	_ = h.ctrl.UpdateAccount(context.Background(), testAccount, []int64{1}, nil, UpdateOptions{})

	snapshot := h.ctrl.Latest(testAccount)
	state := snapshot["1"]
	state.Result.Tokens[0].Amount = "999"
	delete(snapshot, "1")

	again, ok := h.ctrl.LatestNetwork(testAccount, "1")
	if !ok || again.Result.Tokens[0].Amount != "7" {
		t.Fatalf("expected stored state untouched, got %+v", again.Result)
	}
}

func TestCustomTokenMutationRefreshesOneNetwork(t *testing.T) {
	h := newHarness(false)
	ctx := context.Background()
	h.discovery.set(1, withToken(nativeOnly(1, "1"), tokenAddr(4), "0"), nil)
	h.discovery.set(10, nativeOnly(10, "1"), nil)

	err := h.ctrl.AddCustomToken(ctx, model.CustomToken{Address: tokenAddr(4), ChainID: 1}, MutationOptions{RefreshAccount: testAccount})
	if err != nil {
		t.Fatalf("AddCustomToken failed: %v", err)
	}
	if h.discovery.latestCalls(1) != 1 || h.discovery.latestCalls(10) != 0 {
		t.Fatalf("expected only the token's network refreshed, got %v", h.discovery.calls)
	}
	if !containsAddr(h.discovery.options(1).AdditionalErc20Hints, tokenAddr(4)) {
		t.Fatal("expected custom token passed as hint")
	}
	state, _ := h.ctrl.LatestNetwork(testAccount, "1")
	token, ok := findToken(state, tokenAddr(4))
	if !ok || !token.Flags.IsCustom {
		t.Fatalf("expected zero-balance custom token kept and tagged, got %+v", state.Result.Tokens)
	}

	err = h.ctrl.SetTokenPreference(ctx, model.TokenPreference{Address: tokenAddr(4), ChainID: 1, IsHidden: true}, MutationOptions{RefreshAccount: testAccount})
	if err != nil {
		t.Fatalf("SetTokenPreference failed: %v", err)
	}
	state, _ = h.ctrl.LatestNetwork(testAccount, "1")
	if token, _ := findToken(state, tokenAddr(4)); !token.Flags.IsHidden {
		t.Fatal("expected token hidden after preference change")
	}

	if err := h.ctrl.RemoveTokenPreference(ctx, tokenAddr(4), 1, MutationOptions{RefreshAccount: testAccount}); err != nil {
		t.Fatalf("RemoveTokenPreference failed: %v", err)
	}
	state, _ = h.ctrl.LatestNetwork(testAccount, "1")
	if token, _ := findToken(state, tokenAddr(4)); token.Flags.IsHidden {
		t.Fatal("expected token visible after preference reset")
	}
	if err := h.ctrl.RemoveTokenPreference(ctx, tokenAddr(4), 1, MutationOptions{}); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for missing preference, got %v", err)
	}

	if err := h.ctrl.AddCustomToken(ctx, model.CustomToken{Address: "nope", ChainID: 1}, MutationOptions{}); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for bad address, got %v", err)
	}
}

func TestCustomCollectibleForwardsTokenIDs(t *testing.T) {
	h := newHarness(false)
	ctx := context.Background()
	h.discovery.set(1, nativeOnly(1, "1"), nil)
	collection := tokenAddr(9)

	err := h.ctrl.AddCustomToken(ctx, model.CustomToken{Address: collection, ChainID: 1, Standard: "erc721"}, MutationOptions{})
	if !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for collectible without token IDs, got %v", err)
	}
	err = h.ctrl.AddCustomToken(ctx, model.CustomToken{Address: collection, ChainID: 1, Standard: "ERC721", TokenIDs: []string{"abc"}}, MutationOptions{})
	if !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for non-numeric token ID, got %v", err)
	}
	err = h.ctrl.AddCustomToken(ctx, model.CustomToken{Address: tokenAddr(4), ChainID: 1, TokenIDs: []string{"1"}}, MutationOptions{})
	if !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for token IDs on ERC20, got %v", err)
	}

	token := model.CustomToken{Address: collection, ChainID: 1, Standard: "ERC721", TokenIDs: []string{"42", " 7"}}
	if err := h.ctrl.AddCustomToken(ctx, token, MutationOptions{RefreshAccount: testAccount}); err != nil {
		t.Fatalf("AddCustomToken failed: %v", err)
	}
	ids := h.discovery.options(1).AdditionalErc721Hints[collection]
	if len(ids) != 2 || ids[0] != "42" || ids[1] != "7" {
		t.Fatalf("expected token IDs forwarded to discovery, got %v", h.discovery.options(1).AdditionalErc721Hints)
	}
}

func TestZeroBalanceTokensFiltered(t *testing.T) {
	h := newHarness(false)
	ctx := context.Background()
	h.discovery.set(10, withToken(nativeOnly(10, "5"), tokenAddr(3), "0"), nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{10}, nil, UpdateOptions{})
	state, _ := h.ctrl.LatestNetwork(testAccount, "10")
	if _, ok := findToken(state, tokenAddr(3)); ok {
		t.Fatal("expected zero-balance token without preference dropped")
	}
}

func TestRemoveAccountClearsState(t *testing.T) {
	h := newHarness(false)
	ctx := context.Background()
	h.discovery.set(1, nativeOnly(1, "5"), nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{})
	h.ctrl.RemoveAccount(ctx, testAccount)
	if len(h.ctrl.Latest(testAccount)) != 0 || len(h.ctrl.NetworksWithAssets(testAccount)) != 0 {
		t.Fatal("expected account state removed")
	}
}

func TestInitLoadsPersistedState(t *testing.T) {
	h := newHarness(false)
	ctx := context.Background()
	_ = h.store.Set(ctx, assetIndexStorageKey, map[string]map[string]bool{testAccount: {"10": true}})
	h.discovery.set(1, nativeOnly(1, "0"), nil)
	_ = h.ctrl.UpdateAccount(ctx, testAccount, []int64{1}, nil, UpdateOptions{})
	if h.discovery.options(1).FetchPinned {
		t.Fatal("expected persisted asset index to disable pinned fetch")
	}
}

func containsAddr(list []string, addr string) bool {
	for _, v := range list {
		if normalizeAddr(v) == normalizeAddr(addr) {
			return true
		}
	}
	return false
}

func TestTotalUSDSkipsHiddenAndUnpriced(t *testing.T) {
	tokens := []model.Token{
		{Address: tokenAddr(1), Amount: "1500000", Decimals: 6, PriceUSD: 1},
		{Address: tokenAddr(2), Amount: "2000000000000000000", Decimals: 18, PriceUSD: 2, Flags: model.TokenFlags{IsHidden: true}},
		{Address: tokenAddr(3), Amount: "7", Decimals: 0},
	}
	if got := totalUSD(tokens); got != 1.5 {
		t.Fatalf("expected 1.5, got %v", got)
	}
}
