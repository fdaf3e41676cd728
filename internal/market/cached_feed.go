package market

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/quantfold/chainbot/internal/domain"
)

// CachedFeed is a read-through layer in front of a price feed. Hits younger
// than maxAge are served from the cache; misses and stale entries fall
// through to the upstream feed and refresh the cache. Cache failures are
// logged and degrade to direct feed reads.
type CachedFeed struct {
	feed   domain.PriceFeed
	cache  domain.PriceCache
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewCachedFeed wraps feed with cache. maxAge bounds how old a cached price
// may be before it is refreshed.
func NewCachedFeed(feed domain.PriceFeed, cache domain.PriceCache, maxAge time.Duration, logger *slog.Logger) *CachedFeed {
	return &CachedFeed{
		feed:   feed,
		cache:  cache,
		maxAge: maxAge,
		logger: logger.With(slog.String("component", "cached_feed")),
		now:    time.Now,
	}
}

// CurrentPrice implements domain.PriceFeed.
func (c *CachedFeed) CurrentPrice(ctx context.Context, chain, assetAddress string) (float64, error) {
	price, ts, err := c.cache.GetPrice(ctx, chain, assetAddress)
	switch {
	case err == nil:
		if c.now().Sub(ts) <= c.maxAge {
			return price, nil
		}
	case !errors.Is(err, domain.ErrNotFound):
		c.logger.Warn("price cache read failed",
			slog.String("chain", chain),
			slog.String("asset", assetAddress),
			slog.String("error", err.Error()),
		)
	}

	fresh, err := c.feed.CurrentPrice(ctx, chain, assetAddress)
	if err != nil {
		return 0, err
	}

	if err := c.cache.SetPrice(ctx, chain, assetAddress, fresh, c.now().UTC()); err != nil {
		c.logger.Warn("price cache write failed",
			slog.String("chain", chain),
			slog.String("asset", assetAddress),
			slog.String("error", err.Error()),
		)
	}
	return fresh, nil
}
