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

// signalsRepo implements SignalsRepo for PostgreSQL.
type signalsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSignalsRepo creates a new PostgreSQL signals repository.
func NewSignalsRepo(db *sqlx.DB, timeout time.Duration) persistence.SignalsRepo {
	return &signalsRepo{db: db, timeout: timeout}
}

const signalColumns = `signal_id, symbol, direction, signal_type, priority, cta_zone, confidence,
	setup, setup_context, context, confluence, bias_snapshot, conviction_mult,
	weekday, hour_of_day, opex_week, days_to_earnings, market_event,
	status, created_at, closed_at`

func (r *signalsRepo) Insert(ctx context.Context, sig persistence.SignalRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	setupJSON, err := json.Marshal(sig.Setup)
	if err != nil {
		return fmt.Errorf("failed to marshal setup: %w", err)
	}
	setupCtxJSON, err := json.Marshal(sig.SetupContext)
	if err != nil {
		return fmt.Errorf("failed to marshal setup_context: %w", err)
	}
	contextJSON, err := json.Marshal(sig.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	confluenceJSON, err := marshalNullable(sig.Confluence)
	if err != nil {
		return fmt.Errorf("failed to marshal confluence: %w", err)
	}
	biasJSON, err := marshalNullable(sig.BiasSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal bias_snapshot: %w", err)
	}

	query := `
		INSERT INTO signals
		(signal_id, symbol, direction, signal_type, priority, cta_zone, confidence,
		 setup, setup_context, context, confluence, bias_snapshot, conviction_mult,
		 weekday, hour_of_day, opex_week, days_to_earnings, market_event, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err = r.db.ExecContext(ctx, query,
		sig.SignalID, sig.Symbol, sig.Direction, sig.SignalType, sig.Priority,
		sig.CTAZone, sig.Confidence, setupJSON, setupCtxJSON, contextJSON,
		confluenceJSON, biasJSON, sig.ConvictionMult,
		sig.Weekday, sig.HourOfDay, sig.OpexWeek, sig.DaysToEarnings,
		sig.MarketEvent, sig.Status, sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	return nil
}

func (r *signalsRepo) GetByID(ctx context.Context, signalID string) (*persistence.SignalRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + signalColumns + ` FROM signals WHERE signal_id = $1`

	row := r.db.QueryRowxContext(ctx, query, signalID)
	sig, err := scanSignal(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	return sig, nil
}

func (r *signalsRepo) ListOpen(ctx context.Context) ([]persistence.SignalRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + signalColumns + ` FROM signals WHERE status = 'open' ORDER BY created_at ASC`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

func (r *signalsRepo) ListRecent(ctx context.Context, limit int) ([]persistence.SignalRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + signalColumns + ` FROM signals ORDER BY created_at DESC LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

func (r *signalsRepo) Close(ctx context.Context, signalID string, closedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `UPDATE signals SET status = 'closed', closed_at = $2 WHERE signal_id = $1 AND status = 'open'`

	res, err := r.db.ExecContext(ctx, query, signalID, closedAt)
	if err != nil {
		return fmt.Errorf("failed to close signal: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("signal not open: %s", signalID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row rowScanner) (*persistence.SignalRow, error) {
	var sig persistence.SignalRow
	var setupJSON, setupCtxJSON, contextJSON []byte
	var confluenceJSON, biasJSON sql.NullString
	var marketEvent sql.NullString

	err := row.Scan(
		&sig.SignalID, &sig.Symbol, &sig.Direction, &sig.SignalType, &sig.Priority,
		&sig.CTAZone, &sig.Confidence, &setupJSON, &setupCtxJSON, &contextJSON,
		&confluenceJSON, &biasJSON, &sig.ConvictionMult,
		&sig.Weekday, &sig.HourOfDay, &sig.OpexWeek, &sig.DaysToEarnings,
		&marketEvent, &sig.Status, &sig.CreatedAt, &sig.ClosedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(setupJSON, &sig.Setup); err != nil {
		return nil, fmt.Errorf("failed to unmarshal setup: %w", err)
	}
	if err := json.Unmarshal(setupCtxJSON, &sig.SetupContext); err != nil {
		return nil, fmt.Errorf("failed to unmarshal setup_context: %w", err)
	}
	if err := json.Unmarshal(contextJSON, &sig.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	if confluenceJSON.Valid {
		if err := json.Unmarshal([]byte(confluenceJSON.String), &sig.Confluence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal confluence: %w", err)
		}
	}
	if biasJSON.Valid {
		if err := json.Unmarshal([]byte(biasJSON.String), &sig.BiasSnapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bias_snapshot: %w", err)
		}
	}
	sig.MarketEvent = marketEvent.String

	return &sig, nil
}

func scanSignals(rows *sqlx.Rows) ([]persistence.SignalRow, error) {
	var signals []persistence.SignalRow
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, *sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return signals, nil
}

// marshalNullable returns SQL NULL for nil maps instead of the JSON "null" text.
func marshalNullable(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}
