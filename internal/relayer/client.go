// Package relayer talks to the relayer service that reports off-chain
// balances: gas tank deposits and claimable rewards.
package relayer

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/portfolio-sync/internal/errors"
	"github.com/ggonzalez94/portfolio-sync/internal/httpx"
	"github.com/ggonzalez94/portfolio-sync/internal/model"
)

const (
	RewardsTypeWallet  = "wallet-rewards"
	RewardsTypeXWallet = "xwallet-rewards"
)

type Client struct {
	baseURL string
	http    *httpx.Client
	logger  *zap.Logger
}

func New(baseURL string, httpClient *httpx.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

type priceMap map[string]float64

type tokenDTO struct {
	Address     string   `json:"address"`
	ChainID     int64    `json:"chainId"`
	Symbol      string   `json:"symbol"`
	Decimals    int      `json:"decimals"`
	Amount      string   `json:"amount"`
	Available   string   `json:"availableAmount,omitempty"`
	Price       priceMap `json:"price,omitempty"`
}

type gasTankDTO struct {
	Balance []tokenDTO `json:"balance"`
	Total   priceMap   `json:"total,omitempty"`
}

type rewardsDTO struct {
	WalletClaimableBalance  *tokenDTO `json:"walletClaimableBalance,omitempty"`
	XWalletClaimableBalance *tokenDTO `json:"xWalletClaimableBalance,omitempty"`
	Total                   priceMap  `json:"total,omitempty"`
}

type bannerDTO struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Text    string `json:"text"`
	Actions []struct {
		Label string `json:"label"`
		URL   string `json:"url"`
	} `json:"actions,omitempty"`
	StartTime int64 `json:"startTime,omitempty"`
	EndTime   int64 `json:"endTime,omitempty"`
}

type additionalResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    struct {
		GasTank gasTankDTO  `json:"gasTank"`
		Rewards rewardsDTO  `json:"rewards"`
		Banner  *bannerDTO  `json:"banner,omitempty"`
		Banners []bannerDTO `json:"banners,omitempty"`
	} `json:"data"`
}

// PortfolioAdditional fetches gas tank and rewards balances for accountID.
func (c *Client) PortfolioAdditional(ctx context.Context, accountID string) (model.AdditionalPortfolio, error) {
	endpoint := fmt.Sprintf("%s/v2/identity/%s/portfolio-additional", c.baseURL, url.PathEscape(accountID))
	var resp additionalResponse
	if _, err := c.http.GetJSON(ctx, endpoint, nil, &resp); err != nil {
		return model.AdditionalPortfolio{}, err
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "relayer reported failure"
		}
		return model.AdditionalPortfolio{}, clierr.New(clierr.CodeUnavailable, msg)
	}

	out := model.AdditionalPortfolio{
		GasTankTotal: resp.Data.GasTank.Total,
		RewardsTotal: resp.Data.Rewards.Total,
	}
	for _, token := range resp.Data.GasTank.Balance {
		t := token.toModel()
		t.Flags.OnGasTank = true
		out.GasTank = append(out.GasTank, t)
	}
	if token := resp.Data.Rewards.WalletClaimableBalance; token != nil {
		t := token.toModel()
		t.Flags.RewardsType = RewardsTypeWallet
		out.Rewards = append(out.Rewards, t)
	}
	if token := resp.Data.Rewards.XWalletClaimableBalance; token != nil {
		t := token.toModel()
		t.Flags.RewardsType = RewardsTypeXWallet
		out.Rewards = append(out.Rewards, t)
	}

	banners := resp.Data.Banners
	if resp.Data.Banner != nil {
		banners = append([]bannerDTO{*resp.Data.Banner}, banners...)
	}
	for _, banner := range banners {
		out.Banners = append(out.Banners, banner.toModel())
	}
	c.logger.Debug("fetched additional portfolio",
		zap.String("account", accountID),
		zap.Int("gas_tank_tokens", len(out.GasTank)),
		zap.Int("reward_tokens", len(out.Rewards)),
		zap.Int("banners", len(out.Banners)))
	return out, nil
}

func (t tokenDTO) toModel() model.Token {
	amount := strings.TrimSpace(t.Amount)
	if amount == "" {
		amount = "0"
	}
	return model.Token{
		Address:  t.Address,
		ChainID:  t.ChainID,
		Symbol:   t.Symbol,
		Decimals: t.Decimals,
		Amount:   amount,
		PriceUSD: t.Price["usd"],
	}
}

func (b bannerDTO) toModel() model.Banner {
	out := model.Banner{
		ID:        b.ID,
		Type:      b.Type,
		Title:     b.Title,
		Text:      b.Text,
		StartTime: b.StartTime,
		EndTime:   b.EndTime,
	}
	if out.Type == "" {
		out.Type = "updates"
	}
	if out.ID == "" {
		out.ID = strings.ToLower(strings.ReplaceAll(b.Title, " ", "-"))
	}
	for _, action := range b.Actions {
		out.Actions = append(out.Actions, model.BannerAction{Label: action.Label, URL: action.URL})
	}
	return out
}
