package market

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/quantfold/chainbot/internal/domain"
)

// MomentumAnalyzer scores assets on short-window price momentum. Every
// Analyze call samples the current price, appends it to a per-asset window
// and judges the trend over that window. An asset needs a full window of
// samples before it can qualify, so a freshly discovered candidate is never
// opened on a single data point.
type MomentumAnalyzer struct {
	feed   domain.PriceFeed
	window int

	mu      sync.Mutex
	samples map[string][]float64 // keyed chain:address
}

// NewMomentumAnalyzer creates an analyzer sampling through feed with the
// given window length (minimum 2).
func NewMomentumAnalyzer(feed domain.PriceFeed, window int) *MomentumAnalyzer {
	if window < 2 {
		window = 2
	}
	return &MomentumAnalyzer{
		feed:    feed,
		window:  window,
		samples: make(map[string][]float64),
	}
}

// Analyze samples the asset's price and scores the momentum over the sample
// window. investmentCap is not used by this strategy but is part of the
// analyzer contract.
func (m *MomentumAnalyzer) Analyze(ctx context.Context, chain, assetAddress string, investmentCap float64) (domain.Analysis, error) {
	price, err := m.feed.CurrentPrice(ctx, chain, assetAddress)
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("market/momentum: sample %s: %w", assetAddress, err)
	}
	if price <= 0 {
		return domain.Analysis{}, fmt.Errorf("market/momentum: non-positive price for %s", assetAddress)
	}

	window := m.record(chain, assetAddress, price)
	if len(window) < m.window {
		// Not enough history yet.
		return domain.Analysis{Profitable: false, Confidence: 0, RiskLevel: 3}, nil
	}

	first, last := window[0], window[len(window)-1]
	momentumPct := (last - first) / first * 100

	// Trend consistency: share of up-moves across the window.
	upMoves := 0
	var returns []float64
	for i := 1; i < len(window); i++ {
		r := (window[i] - window[i-1]) / window[i-1]
		returns = append(returns, r)
		if r > 0 {
			upMoves++
		}
	}
	consistency := float64(upMoves) / float64(len(returns))

	confidence := int(math.Round(consistency * 100))
	if momentumPct <= 0 {
		confidence = int(math.Round((1 - consistency) * 100))
	}

	return domain.Analysis{
		Profitable:         momentumPct > 0,
		ProfitPotentialPct: momentumPct,
		Confidence:         confidence,
		RiskLevel:          riskLevel(returns),
	}, nil
}

// record appends the sample and returns a copy of the asset's window.
func (m *MomentumAnalyzer) record(chain, address string, price float64) []float64 {
	key := chain + ":" + address

	m.mu.Lock()
	defer m.mu.Unlock()

	s := append(m.samples[key], price)
	if len(s) > m.window {
		s = s[len(s)-m.window:]
	}
	m.samples[key] = s

	out := make([]float64, len(s))
	copy(out, s)
	return out
}

// riskLevel maps return volatility to the 1 (calm) to 5 (wild) scale.
func riskLevel(returns []float64) int {
	if len(returns) == 0 {
		return 3
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	stddev := math.Sqrt(variance / float64(len(returns)))

	switch {
	case stddev < 0.005:
		return 1
	case stddev < 0.01:
		return 2
	case stddev < 0.03:
		return 3
	case stddev < 0.06:
		return 4
	default:
		return 5
	}
}
