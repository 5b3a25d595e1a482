package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ggonzalez94/portfolio-sync/internal/httpx"
	"github.com/ggonzalez94/portfolio-sync/internal/model"
)

// HintsAPI queries an external indexer for the tokens an account holds.
type HintsAPI struct {
	baseURL string
	http    *httpx.Client
	now     func() time.Time
}

func NewHintsAPI(baseURL string, client *httpx.Client) *HintsAPI {
	return &HintsAPI{baseURL: strings.TrimRight(baseURL, "/"), http: client, now: time.Now}
}

type hintsResponse struct {
	Erc20s     []string            `json:"erc20s"`
	Erc721s    map[string][]string `json:"erc721s"`
	Prices     map[string]float64  `json:"prices"`
	LastUpdate int64               `json:"lastUpdate"`
}

type externalHints struct {
	hints  model.ExternalHints
	prices map[string]float64
}

func (h *HintsAPI) fetch(ctx context.Context, chainID int64, accountID string, priceRecency time.Duration) (externalHints, error) {
	endpoint := fmt.Sprintf("%s/hints/%d/%s", h.baseURL, chainID, url.PathEscape(accountID))
	if priceRecency > 0 {
		endpoint += "?priceRecency=" + fmt.Sprint(priceRecency.Milliseconds())
	}
	var resp hintsResponse
	if _, err := h.http.GetJSON(ctx, endpoint, nil, &resp); err != nil {
		return externalHints{}, err
	}
	lastUpdate := resp.LastUpdate
	if lastUpdate == 0 {
		lastUpdate = h.now().UnixMilli()
	}
	prices := make(map[string]float64, len(resp.Prices))
	for addr, price := range resp.Prices {
		prices[strings.ToLower(addr)] = price
	}
	return externalHints{
		hints: model.ExternalHints{
			Erc20s:     resp.Erc20s,
			Erc721s:    resp.Erc721s,
			LastUpdate: lastUpdate,
		},
		prices: prices,
	}, nil
}
