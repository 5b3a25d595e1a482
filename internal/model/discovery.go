package model

import "time"

// SimulationInput is passed to discovery when computing pending state.
type SimulationInput struct {
	Account    string               `json:"account"`
	AccountOps []AccountOp          `json:"accountOps"`
	State      *AccountOnchainState `json:"state,omitempty"`
}

type DiscoveryOptions struct {
	AdditionalErc20Hints  []string
	AdditionalErc721Hints map[string][]string
	PreviousHints         *ExternalHints
	Simulation            *SimulationInput
	DisableAutoDiscovery  bool
	FetchPinned           bool
	PriceRecency          time.Duration
}

// ToBeLearned lists tokens discovery saw in use but no hint source knew.
type ToBeLearned struct {
	Erc20s  []string            `json:"erc20s,omitempty"`
	Erc721s map[string][]string `json:"erc721s,omitempty"`
}

type DiscoveryResult struct {
	Result      PortfolioResult `json:"result"`
	ToBeLearned ToBeLearned     `json:"toBeLearned"`
}

// AdditionalPortfolio is the off-chain part of a portfolio: gas tank
// balances, claimable rewards and an optional banner.
type AdditionalPortfolio struct {
	GasTank      []Token            `json:"gasTank"`
	Rewards      []Token            `json:"rewards"`
	GasTankTotal map[string]float64 `json:"gasTankTotal,omitempty"`
	RewardsTotal map[string]float64 `json:"rewardsTotal,omitempty"`
	Banners      []Banner           `json:"banners,omitempty"`
}

type BannerAction struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type Banner struct {
	ID        string         `json:"id"`
	AccountID string         `json:"accountId,omitempty"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Text      string         `json:"text"`
	Actions   []BannerAction `json:"actions,omitempty"`
	StartTime int64          `json:"startTime,omitempty"`
	EndTime   int64          `json:"endTime,omitempty"`
}

// CustomToken is a user-registered token. ERC-721 entries carry the token
// IDs discovery checks ownership of.
type CustomToken struct {
	Address  string   `json:"address"`
	ChainID  int64    `json:"chainId"`
	Standard string   `json:"standard"`
	Symbol   string   `json:"symbol,omitempty"`
	Decimals int      `json:"decimals,omitempty"`
	TokenIDs []string `json:"tokenIds,omitempty"`
}

// TokenPreference is a per-token user setting. Symbol and Decimals are
// legacy metadata kept as-is.
type TokenPreference struct {
	Address  string `json:"address"`
	ChainID  int64  `json:"chainId"`
	IsHidden bool   `json:"isHidden"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals int    `json:"decimals,omitempty"`
}

// LearnedHints is the persisted self-learning hint cache. A nil timestamp
// marks a token learned but never seen with a balance. LearnOrder holds
// the commit sequence that added each learned token; LearnSeq is the last
// sequence handed out.
type LearnedHints struct {
	FromExternalAPI map[string]ExternalHints      `json:"fromExternalAPI"`
	LearnedTokens   map[int64]map[string]*int64   `json:"learnedTokens"`
	LearnedNfts     map[int64]map[string][]string `json:"learnedNfts"`
	LearnOrder      map[int64]map[string]int64    `json:"learnOrder,omitempty"`
	LearnSeq        int64                         `json:"learnSeq,omitempty"`
}
