package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfold/marketbias/internal/persistence"
)

// healthRepo implements HealthRepo for PostgreSQL.
type healthRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewHealthRepo creates a new PostgreSQL health repository.
func NewHealthRepo(db *sqlx.DB, timeout time.Duration) persistence.HealthRepo {
	return &healthRepo{db: db, timeout: timeout}
}

func (r *healthRepo) InsertPortfolioSnapshot(ctx context.Context, s persistence.PortfolioSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	detailJSON, err := marshalNullable(s.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal detail: %w", err)
	}

	query := `
		INSERT INTO portfolio_snapshots (equity, cash, open_positions, daily_pnl, detail)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = r.db.ExecContext(ctx, query, s.Equity, s.Cash, s.OpenPositions, s.DailyPnL, detailJSON)
	if err != nil {
		return fmt.Errorf("failed to insert portfolio snapshot: %w", err)
	}
	return nil
}

func (r *healthRepo) LatestPortfolioSnapshot(ctx context.Context) (*persistence.PortfolioSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, equity, cash, open_positions, daily_pnl, detail, created_at
		FROM portfolio_snapshots
		ORDER BY created_at DESC
		LIMIT 1`

	var s persistence.PortfolioSnapshot
	var detailJSON []byte

	err := r.db.QueryRowxContext(ctx, query).Scan(
		&s.ID, &s.Equity, &s.Cash, &s.OpenPositions, &s.DailyPnL, &detailJSON, &s.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	if len(detailJSON) > 0 {
		if err := json.Unmarshal(detailJSON, &s.Detail); err != nil {
			return nil, fmt.Errorf("failed to unmarshal detail: %w", err)
		}
	}
	return &s, nil
}

func (r *healthRepo) UpsertStrategyHealth(ctx context.Context, h persistence.StrategyHealth) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO strategy_health (signal_type, total, wins, losses, win_rate, avg_r, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (signal_type) DO UPDATE SET
			total = EXCLUDED.total,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			win_rate = EXCLUDED.win_rate,
			avg_r = EXCLUDED.avg_r,
			updated_at = NOW()`

	_, err := r.db.ExecContext(ctx, query,
		h.SignalType, h.Total, h.Wins, h.Losses, h.WinRate, h.AvgR)
	if err != nil {
		return fmt.Errorf("failed to upsert strategy health: %w", err)
	}
	return nil
}

func (r *healthRepo) ListStrategyHealth(ctx context.Context) ([]persistence.StrategyHealth, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT signal_type, total, wins, losses, win_rate, avg_r, updated_at
		FROM strategy_health
		ORDER BY signal_type ASC`

	var out []persistence.StrategyHealth
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to query strategy health: %w", err)
	}
	return out, nil
}

func (r *healthRepo) InsertHealthAlert(ctx context.Context, a persistence.HealthAlert) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO health_alerts (kind, detail) VALUES ($1, $2)`, a.Kind, a.Detail)
	if err != nil {
		return fmt.Errorf("failed to insert health alert: %w", err)
	}
	return nil
}
