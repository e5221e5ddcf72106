package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfold/marketbias/internal/persistence"
)

// watchlistRepo implements WatchlistRepo for PostgreSQL.
type watchlistRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewWatchlistRepo creates a new PostgreSQL watchlist repository.
func NewWatchlistRepo(db *sqlx.DB, timeout time.Duration) persistence.WatchlistRepo {
	return &watchlistRepo{db: db, timeout: timeout}
}

func (r *watchlistRepo) ListActive(ctx context.Context, assetClass string) ([]persistence.WatchlistTicker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, sector_etf, asset_class, active, added_at
		FROM watchlist_tickers
		WHERE active = TRUE AND asset_class = $1
		ORDER BY symbol ASC`

	var tickers []persistence.WatchlistTicker
	if err := r.db.SelectContext(ctx, &tickers, query, assetClass); err != nil {
		return nil, fmt.Errorf("failed to query watchlist: %w", err)
	}
	return tickers, nil
}

func (r *watchlistRepo) Upsert(ctx context.Context, t persistence.WatchlistTicker) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO watchlist_tickers (symbol, sector_etf, asset_class, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (symbol) DO UPDATE SET
			sector_etf = EXCLUDED.sector_etf,
			asset_class = EXCLUDED.asset_class,
			active = EXCLUDED.active`

	_, err := r.db.ExecContext(ctx, query, t.Symbol, t.SectorETF, t.AssetClass, t.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert watchlist ticker: %w", err)
	}
	return nil
}

func (r *watchlistRepo) Deactivate(ctx context.Context, symbol string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE watchlist_tickers SET active = FALSE WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("failed to deactivate ticker: %w", err)
	}
	return nil
}
