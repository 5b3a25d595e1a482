package portfolio

import (
	"context"

	"go.uber.org/zap"

	"github.com/ggonzalez94/portfolio-sync/internal/model"
)

const defaultRewardsType = "rewards"

// updateAdditional refreshes the gasTank and rewards slots from one relayer
// call. Both slots are written to the latest and pending trees since
// off-chain balances have no simulated variant.
func (c *Controller) updateAdditional(ctx context.Context, account string, opts UpdateOptions) {
	now := c.now()
	gasTank, hasGasTank := c.slot(treeLatest, account, model.GasTankKey)
	rewards, hasRewards := c.slot(treeLatest, account, model.RewardsKey)
	skipGasTank := hasGasTank && ShouldSkipUpdate(&gasTank, opts.ForceUpdate, c.cfg.GasTankMaxAge, now)
	skipRewards := hasRewards && ShouldSkipUpdate(&rewards, opts.ForceUpdate, c.cfg.RewardsMaxAge, now)
	if skipGasTank && skipRewards {
		return
	}

	keys := []string{model.GasTankKey, model.RewardsKey}
	for _, key := range keys {
		c.modifyBoth(account, key, func(s *model.NetworkState) { s.IsLoading = true })
	}

	started := c.now()
	res, err := c.additional.PortfolioAdditional(ctx, account)
	finished := c.now()
	if err != nil {
		c.logger.Warn("additional portfolio refresh failed",
			zap.String("account", account),
			zap.Bool("forced", opts.ForceUpdate),
			zap.Error(err))
		detail := criticalDetail(err, finished)
		for _, key := range keys {
			c.modifyBoth(account, key, func(s *model.NetworkState) {
				s.IsLoading = false
				critical := *detail
				s.CriticalError = &critical
				if opts.ForceUpdate && s.Result != nil {
					s.Result.LastSuccessfulUpdate = 0
				}
			})
		}
		return
	}

	gasTankTokens := make([]model.Token, 0, len(res.GasTank))
	for _, token := range res.GasTank {
		token.Flags.OnGasTank = true
		gasTankTokens = append(gasTankTokens, token)
	}
	rewardTokens := make([]model.Token, 0, len(res.Rewards))
	for _, token := range res.Rewards {
		if token.Flags.RewardsType == "" {
			token.Flags.RewardsType = defaultRewardsType
		}
		rewardTokens = append(rewardTokens, token)
	}

	results := map[string]model.PortfolioResult{
		model.GasTankKey: {Tokens: gasTankTokens, Total: totalOrCompute(res.GasTankTotal, gasTankTokens)},
		model.RewardsKey: {Tokens: rewardTokens, Total: totalOrCompute(res.RewardsTotal, rewardTokens)},
	}
	for key, result := range results {
		result.UpdateStarted = started.UnixMilli()
		result.LastSuccessfulUpdate = finished.UnixMilli()
		result.DiscoveryTimeMS = finished.Sub(started).Milliseconds()
		state := model.NetworkState{IsReady: true, Result: &result}
		c.put(treeLatest, account, key, state)
		c.put(treePending, account, key, state.Clone())
	}

	if len(res.Banners) > 0 && c.banners != nil {
		banners := make([]model.Banner, len(res.Banners))
		for i, banner := range res.Banners {
			banner.AccountID = account
			banners[i] = banner
		}
		if err := c.banners.AddBanners(ctx, account, banners); err != nil {
			c.logger.Warn("forward banners failed", zap.String("account", account), zap.Error(err))
		}
	}
}

func (c *Controller) modifyBoth(account, key string, fn func(*model.NetworkState)) {
	c.modify(treeLatest, account, key, fn)
	c.modify(treePending, account, key, fn)
}

func totalOrCompute(total map[string]float64, tokens []model.Token) map[string]float64 {
	if len(total) > 0 {
		out := make(map[string]float64, len(total))
		for k, v := range total {
			out[k] = v
		}
		return out
	}
	return map[string]float64{"usd": totalUSD(tokens)}
}
