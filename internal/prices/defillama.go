// Package prices looks up USD token prices from the DefiLlama coins API.
package prices

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	clierr "github.com/ggonzalez94/portfolio-sync/internal/errors"
	"github.com/ggonzalez94/portfolio-sync/internal/httpx"
	"github.com/ggonzalez94/portfolio-sync/internal/model"
)

const defaultCoinsBase = "https://coins.llama.fi"

const defaultCacheTTL = time.Minute

// maxCoinsPerRequest keeps request URLs well under common length limits.
const maxCoinsPerRequest = 80

type chainKeys struct {
	prefix string
	native string
}

// DefiLlama identifies ERC-20s as "<chain>:<address>" and native coins by
// their coingecko id.
var llamaChains = map[int64]chainKeys{
	1:      {prefix: "ethereum", native: "coingecko:ethereum"},
	10:     {prefix: "optimism", native: "coingecko:ethereum"},
	56:     {prefix: "bsc", native: "coingecko:binancecoin"},
	100:    {prefix: "xdai", native: "coingecko:xdai"},
	137:    {prefix: "polygon", native: "coingecko:matic-network"},
	8453:   {prefix: "base", native: "coingecko:ethereum"},
	42161:  {prefix: "arbitrum", native: "coingecko:ethereum"},
	43114:  {prefix: "avax", native: "coingecko:avalanche-2"},
	59144:  {prefix: "linea", native: "coingecko:ethereum"},
	534352: {prefix: "scroll", native: "coingecko:ethereum"},
}

type Client struct {
	http      *httpx.Client
	coinsBase string
	cache     *cache.Cache
}

// New builds a client. An empty coinsBase uses the public DefiLlama API.
func New(httpClient *httpx.Client, coinsBase string) *Client {
	if strings.TrimSpace(coinsBase) == "" {
		coinsBase = defaultCoinsBase
	}
	return &Client{
		http:      httpClient,
		coinsBase: strings.TrimRight(coinsBase, "/"),
		cache:     cache.New(defaultCacheTTL, 10*time.Minute),
	}
}

// WithCacheTTL sets how long a fetched price is reused.
func (c *Client) WithCacheTTL(ttl time.Duration) *Client {
	if ttl > 0 {
		c.cache = cache.New(ttl, 10*ttl)
	}
	return c
}

func cacheKey(chainID int64, addr string) string {
	return fmt.Sprintf("%d_%s", chainID, addr)
}

type coinsResp struct {
	Coins map[string]struct {
		Price      float64 `json:"price"`
		Symbol     string  `json:"symbol"`
		Timestamp  int64   `json:"timestamp"`
		Confidence float64 `json:"confidence"`
	} `json:"coins"`
}

// Prices returns USD prices keyed by lowercase address. Tokens DefiLlama
// does not know are absent from the result. The native coin is requested
// with model.NativeAddress.
func (c *Client) Prices(ctx context.Context, chainID int64, addresses []string) (map[string]float64, error) {
	keys, ok := llamaChains[chainID]
	if !ok {
		return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no price source for chain %d", chainID))
	}
	out := map[string]float64{}
	byCoin := map[string]string{}
	for _, addr := range addresses {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			continue
		}
		if cached, ok := c.cache.Get(cacheKey(chainID, addr)); ok {
			out[addr] = cached.(float64)
			continue
		}
		coin := keys.prefix + ":" + addr
		if addr == strings.ToLower(model.NativeAddress) {
			coin = keys.native
		}
		byCoin[coin] = addr
	}
	coins := make([]string, 0, len(byCoin))
	for coin := range byCoin {
		coins = append(coins, coin)
	}
	sort.Strings(coins)

	for start := 0; start < len(coins); start += maxCoinsPerRequest {
		end := start + maxCoinsPerRequest
		if end > len(coins) {
			end = len(coins)
		}
		endpoint := c.coinsBase + "/prices/current/" + strings.Join(coins[start:end], ",")
		var resp coinsResp
		if _, err := c.http.GetJSON(ctx, endpoint, nil, &resp); err != nil {
			return nil, err
		}
		for coin, entry := range resp.Coins {
			addr, ok := byCoin[strings.ToLower(coin)]
			if !ok || entry.Price <= 0 {
				continue
			}
			out[addr] = entry.Price
			c.cache.Set(cacheKey(chainID, addr), entry.Price, cache.DefaultExpiration)
		}
	}
	return out, nil
}
