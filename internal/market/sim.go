package market

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"github.com/quantfold/chainbot/internal/domain"
)

// SimFeed is a deterministic in-memory price feed for dry runs and tests.
// Each asset follows its own smooth price path derived from the seed and the
// asset address, advanced one step per CurrentPrice call. The same seed and
// call sequence always produce the same prices.
type SimFeed struct {
	seed int64

	mu    sync.Mutex
	steps map[string]int
}

// NewSimFeed creates a feed with the given seed.
func NewSimFeed(seed int64) *SimFeed {
	return &SimFeed{
		seed:  seed,
		steps: make(map[string]int),
	}
}

// CurrentPrice returns the asset's next simulated price.
func (f *SimFeed) CurrentPrice(_ context.Context, chain, assetAddress string) (float64, error) {
	key := chain + ":" + assetAddress

	f.mu.Lock()
	step := f.steps[key]
	f.steps[key] = step + 1
	f.mu.Unlock()

	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%s", f.seed, key)
	sum := h.Sum64()

	// Per-asset parameters carved out of the hash: base price, drift
	// direction and wave phase.
	base := 0.5 + float64(sum%1000)/100            // 0.50 .. 10.49
	drift := (float64((sum>>10)%200) - 100) / 5000 // -2% .. +2% per step
	phase := float64((sum >> 20) % 628)            // 0 .. 2*pi*100

	wave := 0.03 * math.Sin(phase/100+float64(step)/3)
	price := base * (1 + drift*float64(step)) * (1 + wave)
	if price <= 0 {
		price = base * 0.01
	}
	return price, nil
}

// StaticCandidateSource serves candidates from the per-chain watchlists in
// the chain configuration. Symbols are synthesized from the address tail
// since watchlists carry addresses only.
type StaticCandidateSource struct {
	byChain map[string][]domain.AssetRef
}

// NewStaticCandidateSource builds a source from the configured chains.
func NewStaticCandidateSource(chains []domain.ChainConfig) *StaticCandidateSource {
	byChain := make(map[string][]domain.AssetRef, len(chains))
	for _, ch := range chains {
		assets := make([]domain.AssetRef, 0, len(ch.Watchlist))
		for _, addr := range ch.Watchlist {
			assets = append(assets, domain.AssetRef{
				Address: addr,
				Symbol:  shortSymbol(addr),
			})
		}
		byChain[ch.Name] = assets
	}
	return &StaticCandidateSource{byChain: byChain}
}

// ListCandidates returns up to limit watchlist entries for the chain.
func (s *StaticCandidateSource) ListCandidates(_ context.Context, chain string, limit int) ([]domain.AssetRef, error) {
	assets, ok := s.byChain[chain]
	if !ok {
		return nil, fmt.Errorf("market/static: %w: %s", domain.ErrChainUnsupported, chain)
	}
	if limit > 0 && len(assets) > limit {
		assets = assets[:limit]
	}
	out := make([]domain.AssetRef, len(assets))
	copy(out, assets)
	return out, nil
}

func shortSymbol(address string) string {
	if len(address) <= 6 {
		return address
	}
	return address[len(address)-6:]
}
