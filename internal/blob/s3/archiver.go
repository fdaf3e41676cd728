package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/quantfold/chainbot/internal/domain"
)

// Archiver moves closed trades older than the retention window out of the
// primary store and into object storage as JSONL, one object per calendar
// month of close time. Rows are pruned from the store only after every
// upload in the batch succeeded.
type Archiver struct {
	writer    domain.BlobWriter
	store     domain.TradeStore
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time
}

// NewArchiver creates an Archiver keeping trades in the primary store for
// retentionDays days.
func NewArchiver(writer domain.BlobWriter, store domain.TradeStore, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		store:     store,
		logger:    logger.With(slog.String("component", "trade_archiver")),
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

// RunLoop archives on startup and then once per interval until ctx is
// cancelled. Failures are logged and retried on the next tick.
func (a *Archiver) RunLoop(ctx context.Context, interval time.Duration) error {
	a.logger.Info("trade archiver started",
		slog.Duration("interval", interval),
		slog.Duration("retention", a.retention),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("trade archiver stopped")
			return ctx.Err()
		case <-ticker.C:
			a.runOnce(ctx)
		}
	}
}

func (a *Archiver) runOnce(ctx context.Context) {
	archived, err := a.ArchiveClosedTrades(ctx)
	if err != nil {
		a.logger.Error("archive run failed", slog.String("error", err.Error()))
		return
	}
	if archived > 0 {
		a.logger.Info("archive run complete", slog.Int64("archived", archived))
	}
}

// ArchiveClosedTrades uploads every trade closed before the retention cutoff
// to archive/trades/YYYY-MM/<batch>.jsonl and then deletes the archived rows.
// It returns the number of trades archived.
func (a *Archiver) ArchiveClosedTrades(ctx context.Context) (int64, error) {
	cutoff := a.now().UTC().Add(-a.retention)

	trades, err := a.store.ListBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	batch := a.now().UTC().Format("20060102T150405Z")
	for _, month := range monthsOf(trades) {
		group := tradesInMonth(trades, month)
		buf, err := marshalJSONL(group)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive marshal %s: %w", month, err)
		}

		path := fmt.Sprintf("archive/trades/%s/%s.jsonl", month, batch)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return 0, fmt.Errorf("s3blob: archive upload %s: %w", path, err)
		}

		a.logger.Debug("archive object uploaded",
			slog.String("path", path),
			slog.Int("trades", len(group)),
		)
	}

	deleted, err := a.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive prune: %w", err)
	}

	return deleted, nil
}

// monthsOf returns the distinct YYYY-MM close months present, ascending.
func monthsOf(trades []domain.Trade) []string {
	seen := make(map[string]struct{})
	var months []string
	for _, t := range trades {
		m := t.ClosedAt.UTC().Format("2006-01")
		if _, ok := seen[m]; !ok {
			seen[m] = struct{}{}
			months = append(months, m)
		}
	}
	sort.Strings(months)
	return months
}

func tradesInMonth(trades []domain.Trade, month string) []domain.Trade {
	var out []domain.Trade
	for _, t := range trades {
		if t.ClosedAt.UTC().Format("2006-01") == month {
			out = append(out, t)
		}
	}
	return out
}

// marshalJSONL serialises trades as newline-delimited JSON, one compact
// object per line.
func marshalJSONL(trades []domain.Trade) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, t := range trades {
		if err := enc.Encode(t); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
