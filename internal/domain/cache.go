package domain

import (
	"context"
	"time"
)

// PriceCache caches asset prices so repeated lookups within a cycle window
// do not hammer the upstream feed. Keys are (chain, assetAddress) pairs.
// GetPrice returns ErrNotFound on a miss.
type PriceCache interface {
	SetPrice(ctx context.Context, chain, assetAddress string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, chain, assetAddress string) (float64, time.Time, error)
}
