package domain

// ChainConfig describes one supported blockchain network and its RPC
// endpoints. The first URL is the initial primary; the rest form the
// ordered fallback queue.
type ChainConfig struct {
	Name         string   `json:"name" toml:"name"`
	ChainID      int64    `json:"chain_id" toml:"chain_id"`
	RPCURL       string   `json:"rpc_url" toml:"rpc_url"`
	FallbackURLs []string `json:"fallback_urls" toml:"fallback_urls"`
	Enabled      bool     `json:"enabled" toml:"enabled"`

	// Watchlist seeds candidate discovery for the chain when no external
	// discovery source is configured.
	Watchlist []string `json:"watchlist,omitempty" toml:"watchlist"`
}

// EngineConfig holds the operator-tunable trading parameters. It is
// immutable within a cycle; replacing the interval while running restarts
// the scheduler.
type EngineConfig struct {
	Enabled               bool    `json:"enabled" toml:"enabled"`
	IntervalSeconds       int     `json:"interval_seconds" toml:"interval_seconds"`
	MaxConcurrentTrades   int     `json:"max_concurrent_trades" toml:"max_concurrent_trades"`
	MaxInvestmentPerTrade float64 `json:"max_investment_per_trade" toml:"max_investment_per_trade"`
	ProfitThresholdUSD    float64 `json:"profit_threshold_usd" toml:"profit_threshold_usd"`
	StopLossPercent       float64 `json:"stop_loss_percent" toml:"stop_loss_percent"`
	TakeProfitPercent     float64 `json:"take_profit_percent" toml:"take_profit_percent"`
	MinConfidence         int     `json:"min_confidence" toml:"min_confidence"`
	CandidatesPerChain    int     `json:"candidates_per_chain" toml:"candidates_per_chain"`
	MaxErrors             int     `json:"max_errors" toml:"max_errors"`
	DryRun                bool    `json:"dry_run" toml:"dry_run"`

	Chains []ChainConfig `json:"chains" toml:"chains"`
}

// EnabledChains returns the names of all enabled chains.
func (c EngineConfig) EnabledChains() []string {
	names := make([]string, 0, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.Enabled {
			names = append(names, ch.Name)
		}
	}
	return names
}

// EngineConfigPatch is a partial EngineConfig for merge-style updates from
// the dashboard. Nil fields retain their prior values.
type EngineConfigPatch struct {
	Enabled               *bool    `json:"enabled,omitempty"`
	IntervalSeconds       *int     `json:"interval_seconds,omitempty"`
	MaxConcurrentTrades   *int     `json:"max_concurrent_trades,omitempty"`
	MaxInvestmentPerTrade *float64 `json:"max_investment_per_trade,omitempty"`
	ProfitThresholdUSD    *float64 `json:"profit_threshold_usd,omitempty"`
	StopLossPercent       *float64 `json:"stop_loss_percent,omitempty"`
	TakeProfitPercent     *float64 `json:"take_profit_percent,omitempty"`
	MinConfidence         *int     `json:"min_confidence,omitempty"`
	CandidatesPerChain    *int     `json:"candidates_per_chain,omitempty"`
	MaxErrors             *int     `json:"max_errors,omitempty"`
	DryRun                *bool    `json:"dry_run,omitempty"`
}

// Apply merges the patch into cfg and returns the result.
func (p EngineConfigPatch) Apply(cfg EngineConfig) EngineConfig {
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.IntervalSeconds != nil {
		cfg.IntervalSeconds = *p.IntervalSeconds
	}
	if p.MaxConcurrentTrades != nil {
		cfg.MaxConcurrentTrades = *p.MaxConcurrentTrades
	}
	if p.MaxInvestmentPerTrade != nil {
		cfg.MaxInvestmentPerTrade = *p.MaxInvestmentPerTrade
	}
	if p.ProfitThresholdUSD != nil {
		cfg.ProfitThresholdUSD = *p.ProfitThresholdUSD
	}
	if p.StopLossPercent != nil {
		cfg.StopLossPercent = *p.StopLossPercent
	}
	if p.TakeProfitPercent != nil {
		cfg.TakeProfitPercent = *p.TakeProfitPercent
	}
	if p.MinConfidence != nil {
		cfg.MinConfidence = *p.MinConfidence
	}
	if p.CandidatesPerChain != nil {
		cfg.CandidatesPerChain = *p.CandidatesPerChain
	}
	if p.MaxErrors != nil {
		cfg.MaxErrors = *p.MaxErrors
	}
	if p.DryRun != nil {
		cfg.DryRun = *p.DryRun
	}
	return cfg
}
