package factors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/marketbias/internal/kv"
	"github.com/quantfold/marketbias/internal/persistence"
)

const (
	defaultLatestTTL = 2 * time.Hour
	snapshotTTL      = 48 * time.Hour
	historyRetention = 7 * 24 * time.Hour
)

func latestKey(factorID string) string   { return "factor/" + factorID + "/latest" }
func historyKey(factorID string) string  { return "factor/" + factorID + "/history" }
func snapshotKey(factorID string) string { return "factor/" + factorID + "/snapshot" }

// Store is the typed factor reading store: write-through latest key,
// time-indexed history, optional last-known-good snapshot, and an async
// durable audit row.
type Store struct {
	kv    kv.Store
	repo  persistence.FactorsRepo // nil when the database is disabled
	table Table
	log   zerolog.Logger
}

// NewStore creates a factor reading store. repo may be nil.
func NewStore(store kv.Store, repo persistence.FactorsRepo, table Table, log zerolog.Logger) *Store {
	return &Store{
		kv:    store,
		repo:  repo,
		table: table,
		log:   log.With().Str("component", "factor_store").Logger(),
	}
}

// Table exposes the static factor configuration.
func (s *Store) Table() Table { return s.table }

// StoreReading writes the latest key, appends to history, prunes old
// history, and mirrors to the durable table asynchronously. The KV
// latest key is authoritative; a durable-write failure does not fail
// the store.
func (s *Store) StoreReading(ctx context.Context, r Reading) error {
	cfg, known := s.table[r.FactorID]
	if !known {
		return fmt.Errorf("unknown factor: %s", r.FactorID)
	}
	if r.Score < -1.0 || r.Score > 1.0 {
		return fmt.Errorf("factor %s: score out of band: %f", r.FactorID, r.Score)
	}

	buf, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	// Macro factors keep validity windows far beyond the default TTL;
	// the latest key must not expire before the staleness window does.
	ttl := defaultLatestTTL
	if staleness := time.Duration(cfg.StalenessHours * float64(time.Hour)); staleness > ttl {
		ttl = staleness
	}

	if err := s.kv.Set(ctx, latestKey(r.FactorID), buf, ttl); err != nil {
		return fmt.Errorf("failed to store latest reading: %w", err)
	}

	epoch := float64(r.Timestamp.Unix())
	if err := s.kv.ZAdd(ctx, historyKey(r.FactorID), epoch, buf); err != nil {
		s.log.Warn().Err(err).Str("factor", r.FactorID).Msg("history append failed")
	} else {
		cutoff := float64(time.Now().Add(-historyRetention).Unix())
		if err := s.kv.ZRemRangeByScore(ctx, historyKey(r.FactorID), 0, cutoff); err != nil {
			s.log.Warn().Err(err).Str("factor", r.FactorID).Msg("history prune failed")
		}
	}

	if cfg.Snapshot {
		if err := s.kv.Set(ctx, snapshotKey(r.FactorID), buf, snapshotTTL); err != nil {
			s.log.Warn().Err(err).Str("factor", r.FactorID).Msg("snapshot write failed")
		}
	}

	if s.repo != nil {
		go s.persistReading(r)
	}
	return nil
}

// persistReading mirrors a reading into the audit table, detached from
// the caller's lifetime.
func (s *Store) persistReading(r Reading) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row := persistence.FactorReadingRow{
		FactorID:  r.FactorID,
		Score:     r.Score,
		Signal:    r.Signal,
		Source:    r.Source,
		Detail:    r.Detail,
		Timestamp: r.Timestamp,
		RawData:   r.RawData,
		Metadata:  r.Metadata,
	}
	if err := s.repo.InsertReading(ctx, row); err != nil {
		s.log.Warn().Err(err).Str("factor", r.FactorID).Msg("durable reading insert failed")
	}
}

// GetLatest returns the most recent reading, or nil if never observed
// (or expired).
func (s *Store) GetLatest(ctx context.Context, factorID string) (*Reading, error) {
	buf, found, err := s.kv.Get(ctx, latestKey(factorID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var r Reading
	if err := json.Unmarshal(buf, &r); err != nil {
		return nil, fmt.Errorf("corrupt reading for %s: %w", factorID, err)
	}
	return &r, nil
}

// GetBefore returns the most recent reading with source timestamp at or
// before the cutoff, or nil if none exists in retained history.
func (s *Store) GetBefore(ctx context.Context, factorID string, cutoff time.Time) (*Reading, error) {
	members, err := s.kv.ZRangeByScore(ctx, historyKey(factorID), 0, float64(cutoff.Unix()))
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	var r Reading
	if err := json.Unmarshal(members[len(members)-1].Value, &r); err != nil {
		return nil, fmt.Errorf("corrupt history entry for %s: %w", factorID, err)
	}
	return &r, nil
}

// LoadSnapshot returns the last-known-good snapshot for snapshot-backed
// factors, or nil when absent.
func (s *Store) LoadSnapshot(ctx context.Context, factorID string) (*Reading, error) {
	buf, found, err := s.kv.Get(ctx, snapshotKey(factorID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var r Reading
	if err := json.Unmarshal(buf, &r); err != nil {
		return nil, fmt.Errorf("corrupt snapshot for %s: %w", factorID, err)
	}
	return &r, nil
}
