package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfold/marketbias/internal/persistence"
)

// outcomesRepo implements OutcomesRepo for PostgreSQL.
type outcomesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOutcomesRepo creates a new PostgreSQL signal outcomes repository.
func NewOutcomesRepo(db *sqlx.DB, timeout time.Duration) persistence.OutcomesRepo {
	return &outcomesRepo{db: db, timeout: timeout}
}

func (r *outcomesRepo) Insert(ctx context.Context, o persistence.OutcomeRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if !isValidOutcome(o.Outcome) {
		return fmt.Errorf("invalid outcome: %s", o.Outcome)
	}

	query := `
		INSERT INTO signal_outcomes (signal_id, outcome, exit_price, r_multiple, bars_held)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.ExecContext(ctx, query,
		o.SignalID, o.Outcome, o.ExitPrice, o.RMultiple, o.BarsHeld)
	if err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}
	return nil
}

func (r *outcomesRepo) ListRecent(ctx context.Context, limit int) ([]persistence.OutcomeRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, signal_id, outcome, exit_price, r_multiple, bars_held, created_at
		FROM signal_outcomes
		ORDER BY created_at DESC
		LIMIT $1`

	var out []persistence.OutcomeRow
	if err := r.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	return out, nil
}

func isValidOutcome(outcome string) bool {
	switch outcome {
	case "T1_HIT", "T2_HIT", "STOPPED", "EXPIRED":
		return true
	}
	return false
}
