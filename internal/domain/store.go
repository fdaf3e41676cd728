package domain

import (
	"context"
	"time"
)

// TradeStore persists closed trades for dashboard history and cold-storage
// archival. The in-memory ledger remains the source of truth for live
// trades; the store only ever sees terminal records.
type TradeStore interface {
	Insert(ctx context.Context, trade Trade) error
	ListRecent(ctx context.Context, limit int) ([]Trade, error)
	ListBefore(ctx context.Context, before time.Time) ([]Trade, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
}
