package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfold/marketbias/internal/persistence"
)

// factorsRepo implements FactorsRepo for PostgreSQL.
type factorsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFactorsRepo creates a new PostgreSQL factor readings repository.
func NewFactorsRepo(db *sqlx.DB, timeout time.Duration) persistence.FactorsRepo {
	return &factorsRepo{db: db, timeout: timeout}
}

func (r *factorsRepo) InsertReading(ctx context.Context, reading persistence.FactorReadingRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rawJSON, err := marshalNullable(reading.RawData)
	if err != nil {
		return fmt.Errorf("failed to marshal raw_data: %w", err)
	}
	metaJSON, err := marshalNullable(reading.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO factor_readings
		(factor_id, score, signal, source, detail, ts, raw_data, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.ExecContext(ctx, query,
		reading.FactorID, reading.Score, reading.Signal, reading.Source,
		reading.Detail, reading.Timestamp, rawJSON, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to insert factor reading: %w", err)
	}
	return nil
}

func (r *factorsRepo) ListHistory(ctx context.Context, factorID string, tr persistence.TimeRange, limit int) ([]persistence.FactorReadingRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, factor_id, score, signal, source, detail, ts, raw_data, metadata, created_at
		FROM factor_readings
		WHERE factor_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts DESC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, factorID, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query factor history: %w", err)
	}
	defer rows.Close()

	var readings []persistence.FactorReadingRow
	for rows.Next() {
		var reading persistence.FactorReadingRow
		var rawJSON, metaJSON []byte

		err := rows.Scan(
			&reading.ID, &reading.FactorID, &reading.Score, &reading.Signal,
			&reading.Source, &reading.Detail, &reading.Timestamp,
			&rawJSON, &metaJSON, &reading.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan factor reading: %w", err)
		}

		if len(rawJSON) > 0 {
			if err := json.Unmarshal(rawJSON, &reading.RawData); err != nil {
				return nil, fmt.Errorf("failed to unmarshal raw_data: %w", err)
			}
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &reading.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return readings, nil
}
