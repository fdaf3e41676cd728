package domain

import "context"

// AssetRef identifies a candidate asset on a chain.
type AssetRef struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

// Analysis is the profitability verdict produced by an Analyzer for one
// candidate asset.
type Analysis struct {
	Profitable         bool    `json:"profitable"`
	ProfitPotentialPct float64 `json:"profit_potential_pct"`
	Confidence         int     `json:"confidence"` // 0-100
	RiskLevel          int     `json:"risk_level"` // 1-5
}

// Analyzer produces a profitability verdict for a candidate asset. The
// engine treats it as a pure, possibly slow, possibly failing function;
// failures cause the candidate to be skipped for the current cycle.
type Analyzer interface {
	Analyze(ctx context.Context, chain, assetAddress string, investmentCap float64) (Analysis, error)
}

// PriceFeed returns the current USD price for an asset on a chain.
type PriceFeed interface {
	CurrentPrice(ctx context.Context, chain, assetAddress string) (float64, error)
}

// CandidateSource lists candidate assets worth analyzing on a chain, e.g.
// trending tokens. Implementations bound the result to at most limit refs.
type CandidateSource interface {
	ListCandidates(ctx context.Context, chain string, limit int) ([]AssetRef, error)
}
