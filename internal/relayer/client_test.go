package relayer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/portfolio-sync/internal/errors"
	"github.com/ggonzalez94/portfolio-sync/internal/httpx"
)

const account = "0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"

func TestPortfolioAdditional(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{
			"success": true,
			"data": {
				"gasTank": {
					"balance": [{"address":"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48","chainId":1,"symbol":"USDC","decimals":6,"amount":"2500000","price":{"usd":1}}],
					"total": {"usd": 2.5}
				},
				"rewards": {
					"walletClaimableBalance": {"address":"0x88800092fF476844f74dC2FC427974BBee2794Ae","chainId":1,"symbol":"WALLET","decimals":18,"amount":"10"}
				},
				"banner": {"id":"rewards-season","title":"Season 2","text":"Claim rewards","actions":[{"label":"Open","url":"https://example.org"}]}
			}
		}`))
	}))
	defer srv.Close()

	client := New(srv.URL+"/", httpx.New(2*time.Second, 0), nil)
	res, err := client.PortfolioAdditional(context.Background(), account)
	if err != nil {
		t.Fatalf("PortfolioAdditional failed: %v", err)
	}
	if gotPath != "/v2/identity/"+account+"/portfolio-additional" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if len(res.GasTank) != 1 || !res.GasTank[0].Flags.OnGasTank || res.GasTank[0].PriceUSD != 1 {
		t.Fatalf("unexpected gas tank %+v", res.GasTank)
	}
	if res.GasTankTotal["usd"] != 2.5 {
		t.Fatalf("unexpected gas tank total %v", res.GasTankTotal)
	}
	if len(res.Rewards) != 1 || res.Rewards[0].Flags.RewardsType != RewardsTypeWallet {
		t.Fatalf("unexpected rewards %+v", res.Rewards)
	}
	if len(res.Banners) != 1 || res.Banners[0].Type != "updates" || len(res.Banners[0].Actions) != 1 {
		t.Fatalf("unexpected banners %+v", res.Banners)
	}
}

func TestPortfolioAdditionalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"identity not found"}`))
	}))
	defer srv.Close()

	client := New(srv.URL, httpx.New(2*time.Second, 0), nil)
	_, err := client.PortfolioAdditional(context.Background(), account)
	if !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestPortfolioAdditionalServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(srv.URL, httpx.New(time.Second, 0), nil)
	if _, err := client.PortfolioAdditional(context.Background(), account); err == nil {
		t.Fatal("expected error for 503")
	}
}
