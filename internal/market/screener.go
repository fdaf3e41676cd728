// Package market provides the engine's market-data collaborators: a DEX
// screener REST client for prices and candidate discovery, a momentum
// analyzer, and deterministic in-memory counterparts for tests and dry runs.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/quantfold/chainbot/internal/domain"
)

// ScreenerClient is the REST client for a DEX screener style API. It serves
// both as the live price feed and as the candidate source for the engine.
type ScreenerClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewScreenerClient creates a screener client.
//
// baseURL is the API root, e.g. "https://api.dexscreener.com".
func NewScreenerClient(baseURL, apiKey string, timeout time.Duration) *ScreenerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ScreenerClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// apiPair mirrors one trading pair in the screener API response. Prices come
// back as decimal strings.
type apiPair struct {
	ChainID   string `json:"chainId"`
	BaseToken struct {
		Address string `json:"address"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceUSD string `json:"priceUsd"`
	Volume   struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
}

type pairsResponse struct {
	Pairs []apiPair `json:"pairs"`
}

// CurrentPrice returns the USD price for the asset, taken from the pair with
// the deepest liquidity on the requested chain. It fails with
// domain.ErrNotFound when the screener knows no pair for the asset.
func (c *ScreenerClient) CurrentPrice(ctx context.Context, chain, assetAddress string) (float64, error) {
	path := fmt.Sprintf("/latest/dex/tokens/%s", url.PathEscape(assetAddress))

	body, err := c.doGet(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("market/screener: get price for %s: %w", assetAddress, err)
	}

	var resp pairsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("market/screener: decode pairs: %w", err)
	}

	best := -1.0
	var bestLiquidity float64
	for i := range resp.Pairs {
		p := &resp.Pairs[i]
		if p.ChainID != chain {
			continue
		}
		price, err := strconv.ParseFloat(p.PriceUSD, 64)
		if err != nil || price <= 0 {
			continue
		}
		if best < 0 || p.Liquidity.USD > bestLiquidity {
			best = price
			bestLiquidity = p.Liquidity.USD
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("market/screener: %w: %s on %s", domain.ErrNotFound, assetAddress, chain)
	}
	return best, nil
}

// ListCandidates returns up to limit assets trading on the chain, ordered by
// 24h volume. Each asset appears once regardless of how many pairs it has.
func (c *ScreenerClient) ListCandidates(ctx context.Context, chain string, limit int) ([]domain.AssetRef, error) {
	if limit <= 0 {
		limit = 10
	}
	params := url.Values{}
	params.Set("q", chain)
	path := "/latest/dex/search?" + params.Encode()

	body, err := c.doGet(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("market/screener: search %s: %w", chain, err)
	}

	var resp pairsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("market/screener: decode search results: %w", err)
	}

	type scored struct {
		asset  domain.AssetRef
		volume float64
	}
	seen := make(map[string]int)
	var ranked []scored
	for i := range resp.Pairs {
		p := &resp.Pairs[i]
		if p.ChainID != chain || p.BaseToken.Address == "" {
			continue
		}
		if idx, ok := seen[p.BaseToken.Address]; ok {
			ranked[idx].volume += p.Volume.H24
			continue
		}
		seen[p.BaseToken.Address] = len(ranked)
		ranked = append(ranked, scored{
			asset: domain.AssetRef{
				Address: p.BaseToken.Address,
				Symbol:  p.BaseToken.Symbol,
			},
			volume: p.Volume.H24,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].volume > ranked[j].volume
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]domain.AssetRef, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, s.asset)
	}
	return out, nil
}

func (c *ScreenerClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := body
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(snippet))
	}

	return body, nil
}
