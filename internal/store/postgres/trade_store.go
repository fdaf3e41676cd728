package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/chainbot/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. Only terminal
// trades are ever written; the in-memory ledger owns live positions.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, asset_address, asset_symbol, chain, amount,
	entry_price, exit_price, profit_loss, profit_loss_pct,
	status, strategy_name, strategy_confidence,
	opened_at, closed_at, close_reason`

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(
			&t.ID, &t.AssetAddress, &t.AssetSymbol, &t.Chain, &t.Amount,
			&t.EntryPrice, &t.CurrentPrice, &t.ProfitLoss, &t.ProfitLossPct,
			&t.Status, &t.StrategyName, &t.StrategyConfidence,
			&t.OpenedAt, &t.ClosedAt, &t.CloseReason,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Insert persists one closed trade. Re-inserting the same trade ID is a
// no-op via ON CONFLICT DO NOTHING, so at-least-once event delivery is safe.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, asset_address, asset_symbol, chain, amount,
			entry_price, exit_price, profit_loss, profit_loss_pct,
			status, strategy_name, strategy_confidence,
			opened_at, closed_at, close_reason
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15
		) ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.AssetAddress, t.AssetSymbol, t.Chain, t.Amount,
		t.EntryPrice, t.CurrentPrice, t.ProfitLoss, t.ProfitLossPct,
		t.Status, t.StrategyName, t.StrategyConfidence,
		t.OpenedAt, t.ClosedAt, t.CloseReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListRecent returns up to limit closed trades, newest first.
func (s *TradeStore) ListRecent(ctx context.Context, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		"SELECT "+tradeSelectCols+" FROM trades ORDER BY closed_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent trades: %w", err)
	}
	return trades, nil
}

// ListBefore returns every trade closed strictly before the given time,
// oldest first. Used by the archiver to build monthly archive files.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+tradeSelectCols+" FROM trades WHERE closed_at < $1 ORDER BY closed_at ASC", before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before %v: %w", before, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades before %v: %w", before, err)
	}
	return trades, nil
}

// DeleteBefore removes every trade closed strictly before the given time and
// returns the number of rows deleted.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM trades WHERE closed_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before %v: %w", before, err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the total number of persisted trades.
func (s *TradeStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM trades").Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count trades: %w", err)
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
