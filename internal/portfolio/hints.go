package portfolio

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ggonzalez94/portfolio-sync/internal/model"
	"github.com/ggonzalez94/portfolio-sync/internal/storage"
)

const (
	hintsStorageKey = "previousHints"
	// MaxLearnedTokens caps the learned ERC-20 set per network.
	MaxLearnedTokens = 50
)

// HintStore keeps hints that make discovery more complete than the external
// API alone: the last good API snapshot per (network, account), tokens and
// NFTs learned from past refreshes, and when each learned token last held a
// balance.
type HintStore struct {
	// writeMu orders persisted snapshots the same way as in-memory changes.
	writeMu sync.Mutex
	mu      sync.Mutex
	state   model.LearnedHints
	storage storage.Store
	logger  *zap.Logger
	now     func() time.Time
}

func NewHintStore(store storage.Store, logger *zap.Logger, now func() time.Time) *HintStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &HintStore{state: emptyHints(), storage: store, logger: logger, now: now}
}

func emptyHints() model.LearnedHints {
	return model.LearnedHints{
		FromExternalAPI: map[string]model.ExternalHints{},
		LearnedTokens:   map[int64]map[string]*int64{},
		LearnedNfts:     map[int64]map[string][]string{},
		LearnOrder:      map[int64]map[string]int64{},
	}
}

func hintsKey(chainID int64, accountID string) string {
	return fmt.Sprintf("%d:%s", chainID, accountID)
}

func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

func (h *HintStore) Load(ctx context.Context) error {
	if h.storage == nil {
		return nil
	}
	loaded := emptyHints()
	found, err := h.storage.Get(ctx, hintsStorageKey, &loaded)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if loaded.FromExternalAPI == nil {
		loaded.FromExternalAPI = map[string]model.ExternalHints{}
	}
	if loaded.LearnedTokens == nil {
		loaded.LearnedTokens = map[int64]map[string]*int64{}
	}
	if loaded.LearnedNfts == nil {
		loaded.LearnedNfts = map[int64]map[string][]string{}
	}
	if loaded.LearnOrder == nil {
		loaded.LearnOrder = map[int64]map[string]int64{}
	}
	h.mu.Lock()
	h.state = loaded
	h.mu.Unlock()
	return nil
}

// Previous returns the last fresh external-API snapshot for the pair.
func (h *HintStore) Previous(chainID int64, accountID string) *model.ExternalHints {
	h.mu.Lock()
	defer h.mu.Unlock()
	snapshot, ok := h.state.FromExternalAPI[hintsKey(chainID, accountID)]
	if !ok {
		return nil
	}
	out := snapshot.Clone()
	return &out
}

// LearnedTokens returns learned ERC-20 addresses for chainID in address
// order.
func (h *HintStore) LearnedTokens(chainID int64) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.state.LearnedTokens[chainID]))
	for addr := range h.state.LearnedTokens[chainID] {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// LearnedTimestamp reports the last time a learned token held a balance.
// The second result is false when the token is not learned.
func (h *HintStore) LearnedTimestamp(chainID int64, address string) (*int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts, ok := h.state.LearnedTokens[chainID][normalizeAddr(address)]
	if !ok || ts == nil {
		return nil, ok
	}
	v := *ts
	return &v, true
}

func (h *HintStore) LearnedNfts(chainID int64) map[string][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]string, len(h.state.LearnedNfts[chainID]))
	for collection, ids := range h.state.LearnedNfts[chainID] {
		out[collection] = append([]string(nil), ids...)
	}
	return out
}

// Snapshot returns a deep copy of the whole hint state.
func (h *HintStore) Snapshot() model.LearnedHints {
	h.mu.Lock()
	defer h.mu.Unlock()
	return cloneHints(h.state)
}

// Observe folds a successful latest-state refresh into the store. A fresh,
// valid API response replaces the fallback snapshot and removes the API's
// tokens from the learned set. Learned tokens seen with a balance get the
// current time.
func (h *HintStore) Observe(ctx context.Context, chainID int64, accountID string, result *model.PortfolioResult) {
	if result == nil {
		return
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.mu.Lock()
	changed := false
	if external := result.HintsFromExternalAPI; external.FreshAndValid() {
		h.state.FromExternalAPI[hintsKey(chainID, accountID)] = external.Clone()
		changed = true
		learned := h.state.LearnedTokens[chainID]
		order := h.state.LearnOrder[chainID]
		for _, addr := range external.Erc20s {
			delete(learned, normalizeAddr(addr))
			delete(order, normalizeAddr(addr))
		}
		nfts := h.state.LearnedNfts[chainID]
		for collection := range external.Erc721s {
			delete(nfts, normalizeAddr(collection))
		}
	}

	nowMS := h.now().UnixMilli()
	for _, token := range result.Tokens {
		if !token.HasBalance() {
			continue
		}
		key := normalizeAddr(token.Address)
		if _, ok := h.state.LearnedTokens[chainID][key]; ok {
			ts := nowMS
			h.state.LearnedTokens[chainID][key] = &ts
			changed = true
		}
	}
	snapshot := h.snapshotLocked(changed)
	h.mu.Unlock()
	h.persist(ctx, snapshot)
}

// Commit adds staged learned tokens and NFTs with no timestamp and then
// enforces the per-network cap.
func (h *HintStore) Commit(ctx context.Context, staged *Staging) {
	if staged == nil || staged.empty() {
		return
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.mu.Lock()
	tokens := staged.snapshotTokens()
	if len(tokens) > 0 {
		h.state.LearnSeq++
	}
	for chainID, addrs := range tokens {
		learned := h.state.LearnedTokens[chainID]
		if learned == nil {
			learned = map[string]*int64{}
		}
		order := h.state.LearnOrder[chainID]
		if order == nil {
			order = map[string]int64{}
		}
		for _, addr := range addrs {
			if _, ok := learned[addr]; !ok {
				learned[addr] = nil
				order[addr] = h.state.LearnSeq
			}
		}
		h.state.LearnedTokens[chainID], h.state.LearnOrder[chainID] = capLearned(learned, order, MaxLearnedTokens)
	}
	for chainID, collections := range staged.snapshotNfts() {
		nfts := h.state.LearnedNfts[chainID]
		if nfts == nil {
			nfts = map[string][]string{}
			h.state.LearnedNfts[chainID] = nfts
		}
		for collection, ids := range collections {
			nfts[collection] = mergeIDs(nfts[collection], ids)
		}
	}
	snapshot := h.snapshotLocked(true)
	h.mu.Unlock()
	h.persist(ctx, snapshot)
}

// capLearned keeps the max most recently seen tokens. Tokens never seen
// with a balance rank below every timestamped token and among themselves
// by learn order, newest first. Remaining ties break on the address.
func capLearned(learned map[string]*int64, order map[string]int64, max int) (map[string]*int64, map[string]int64) {
	if len(learned) <= max {
		return learned, order
	}
	addrs := make([]string, 0, len(learned))
	for addr := range learned {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		a, b := learned[addrs[i]], learned[addrs[j]]
		switch {
		case a == nil && b == nil:
			if oa, ob := order[addrs[i]], order[addrs[j]]; oa != ob {
				return oa > ob
			}
		case a == nil:
			return false
		case b == nil:
			return true
		case *a != *b:
			return *a > *b
		}
		return addrs[i] < addrs[j]
	})
	kept := make(map[string]*int64, max)
	keptOrder := make(map[string]int64, max)
	for _, addr := range addrs[:max] {
		kept[addr] = learned[addr]
		if seq, ok := order[addr]; ok {
			keptOrder[addr] = seq
		}
	}
	return kept, keptOrder
}

func mergeIDs(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range added {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (h *HintStore) snapshotLocked(changed bool) *model.LearnedHints {
	if !changed {
		return nil
	}
	snapshot := cloneHints(h.state)
	return &snapshot
}

func (h *HintStore) persist(ctx context.Context, snapshot *model.LearnedHints) {
	if snapshot == nil || h.storage == nil {
		return
	}
	if err := h.storage.Set(ctx, hintsStorageKey, snapshot); err != nil {
		h.logger.Warn("persist hints failed", zap.Error(err))
	}
}

func cloneHints(in model.LearnedHints) model.LearnedHints {
	out := emptyHints()
	for k, v := range in.FromExternalAPI {
		out.FromExternalAPI[k] = v.Clone()
	}
	for chainID, learned := range in.LearnedTokens {
		copied := make(map[string]*int64, len(learned))
		for addr, ts := range learned {
			if ts != nil {
				v := *ts
				copied[addr] = &v
			} else {
				copied[addr] = nil
			}
		}
		out.LearnedTokens[chainID] = copied
	}
	for chainID, order := range in.LearnOrder {
		copied := make(map[string]int64, len(order))
		for addr, seq := range order {
			copied[addr] = seq
		}
		out.LearnOrder[chainID] = copied
	}
	out.LearnSeq = in.LearnSeq
	for chainID, nfts := range in.LearnedNfts {
		copied := make(map[string][]string, len(nfts))
		for collection, ids := range nfts {
			copied[collection] = append([]string(nil), ids...)
		}
		out.LearnedNfts[chainID] = copied
	}
	return out
}

// Staging collects tokens to learn during one UpdateAccount call. Nothing
// reaches the HintStore unless the call completes without a critical
// error.
type Staging struct {
	mu       sync.Mutex
	tokens   map[int64]map[string]bool
	nfts     map[int64]map[string][]string
	critical bool
}

func NewStaging() *Staging {
	return &Staging{tokens: map[int64]map[string]bool{}, nfts: map[int64]map[string][]string{}}
}

// Stage records discovery's to-be-learned tokens, dropping any the fresh
// external response already reported.
func (s *Staging) Stage(chainID int64, learned model.ToBeLearned, external *model.ExternalHints) {
	confirmed := map[string]bool{}
	confirmedNfts := map[string]bool{}
	if external.FreshAndValid() {
		for _, addr := range external.Erc20s {
			confirmed[normalizeAddr(addr)] = true
		}
		for collection := range external.Erc721s {
			confirmedNfts[normalizeAddr(collection)] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range learned.Erc20s {
		key := normalizeAddr(addr)
		if confirmed[key] {
			continue
		}
		if s.tokens[chainID] == nil {
			s.tokens[chainID] = map[string]bool{}
		}
		s.tokens[chainID][key] = true
	}
	for collection, ids := range learned.Erc721s {
		key := normalizeAddr(collection)
		if confirmedNfts[key] {
			continue
		}
		if s.nfts[chainID] == nil {
			s.nfts[chainID] = map[string][]string{}
		}
		s.nfts[chainID][key] = mergeIDs(s.nfts[chainID][key], ids)
	}
}

func (s *Staging) MarkCritical() {
	s.mu.Lock()
	s.critical = true
	s.mu.Unlock()
}

func (s *Staging) Critical() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.critical
}

func (s *Staging) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens) == 0 && len(s.nfts) == 0
}

func (s *Staging) snapshotTokens() map[int64][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64][]string, len(s.tokens))
	for chainID, set := range s.tokens {
		addrs := make([]string, 0, len(set))
		for addr := range set {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)
		out[chainID] = addrs
	}
	return out
}

func (s *Staging) snapshotNfts() map[int64]map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]map[string][]string, len(s.nfts))
	for chainID, collections := range s.nfts {
		copied := make(map[string][]string, len(collections))
		for collection, ids := range collections {
			copied[collection] = append([]string(nil), ids...)
		}
		out[chainID] = copied
	}
	return out
}
