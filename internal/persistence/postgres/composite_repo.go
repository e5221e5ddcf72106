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

// compositeRepo implements CompositeRepo for PostgreSQL.
type compositeRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCompositeRepo creates a new PostgreSQL composite history repository.
func NewCompositeRepo(db *sqlx.DB, timeout time.Duration) persistence.CompositeRepo {
	return &compositeRepo{db: db, timeout: timeout}
}

func (r *compositeRepo) Insert(ctx context.Context, row persistence.CompositeRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payloadJSON, err := json.Marshal(row.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO bias_composite_history
		(composite_score, bias_level, bias_numeric, confidence, active_count,
		 stale_count, velocity_multiplier, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.ExecContext(ctx, query,
		row.CompositeScore, row.BiasLevel, row.BiasNumeric, row.Confidence,
		row.ActiveCount, row.StaleCount, row.VelocityMultiplier, payloadJSON)
	if err != nil {
		return fmt.Errorf("failed to insert composite row: %w", err)
	}
	return nil
}

func (r *compositeRepo) Latest(ctx context.Context) (*persistence.CompositeRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := compositeSelect + ` ORDER BY created_at DESC LIMIT 1`

	row := r.db.QueryRowxContext(ctx, query)
	c, err := scanComposite(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest composite: %w", err)
	}
	return c, nil
}

func (r *compositeRepo) ListRange(ctx context.Context, tr persistence.TimeRange) ([]persistence.CompositeRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := compositeSelect + ` WHERE created_at >= $1 AND created_at <= $2 ORDER BY created_at ASC`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query composite range: %w", err)
	}
	defer rows.Close()

	var out []persistence.CompositeRow
	for rows.Next() {
		c, err := scanComposite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

const compositeSelect = `
	SELECT id, composite_score, bias_level, bias_numeric, confidence,
	       active_count, stale_count, velocity_multiplier, payload, created_at
	FROM bias_composite_history`

func scanComposite(row rowScanner) (*persistence.CompositeRow, error) {
	var c persistence.CompositeRow
	var payloadJSON []byte

	err := row.Scan(
		&c.ID, &c.CompositeScore, &c.BiasLevel, &c.BiasNumeric, &c.Confidence,
		&c.ActiveCount, &c.StaleCount, &c.VelocityMultiplier, &payloadJSON, &c.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payloadJSON, &c.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &c, nil
}
