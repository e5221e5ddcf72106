package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfold/marketbias/internal/bias"
	"github.com/quantfold/marketbias/internal/market"
	"github.com/quantfold/marketbias/internal/persistence"
)

const (
	defaultCooldown = 4 * time.Hour
	barsFetchDays   = 380 // calendar days covering ~252 sessions
)

// BiasSource supplies the cached composite for conviction alignment.
type BiasSource interface {
	Cached(ctx context.Context) (*bias.Result, error)
}

// Scanner walks the watchlist, builds indicator panels, and emits
// signals. Duplicate (symbol, signal_type) pairs inside the cooldown
// window are suppressed.
type Scanner struct {
	ohlcv     market.OHLCVProvider
	watchlist persistence.WatchlistRepo
	biasSrc   BiasSource
	cooldown  time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// New creates a scanner. biasSrc may be nil; conviction then stays 1.0.
func New(ohlcv market.OHLCVProvider, watchlist persistence.WatchlistRepo, biasSrc BiasSource, cooldown time.Duration, log zerolog.Logger) *Scanner {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Scanner{
		ohlcv:     ohlcv,
		watchlist: watchlist,
		biasSrc:   biasSrc,
		cooldown:  cooldown,
		log:       log.With().Str("component", "scanner").Logger(),
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
}

// Scan runs the full watchlist for one asset class. Per-ticker failures
// are logged and skipped; the sweep continues.
func (s *Scanner) Scan(ctx context.Context, assetClass string) ([]Signal, error) {
	if s.watchlist == nil {
		return nil, errors.New("watchlist store is not configured")
	}
	tickers, err := s.watchlist.ListActive(ctx, assetClass)
	if err != nil {
		return nil, err
	}

	sectorZones := make(map[string]Zone)
	var out []Signal
	for _, t := range tickers {
		sigs, err := s.ScanSymbol(ctx, t.Symbol, t.SectorETF, sectorZones)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", t.Symbol).Msg("symbol scan failed")
			continue
		}
		out = append(out, sigs...)
	}
	s.log.Info().Int("tickers", len(tickers)).Int("signals", len(out)).
		Str("asset_class", assetClass).Msg("scan complete")
	return out, nil
}

// ScanSymbol evaluates one ticker. sectorZones memoizes sector ETF
// zones across a sweep; pass nil for a one-off scan.
func (s *Scanner) ScanSymbol(ctx context.Context, symbol, sectorETF string, sectorZones map[string]Zone) ([]Signal, error) {
	bars, err := s.ohlcv.DailyBars(ctx, symbol, barsFetchDays)
	if err != nil {
		return nil, err
	}
	panel, err := NewPanel(symbol, bars)
	if err != nil {
		return nil, err
	}
	zone := panel.Zone()
	now := s.now().UTC()

	var signals []*Signal
	for _, rule := range rules {
		cand := rule(panel)
		if cand == nil {
			continue
		}
		if !s.allowFire(symbol, cand.signalType, now) {
			s.log.Debug().Str("symbol", symbol).Str("type", cand.signalType).
				Msg("signal suppressed by cooldown")
			continue
		}
		setup, setupCtx := buildSetup(panel, cand.signalType, cand.direction, zone)
		for k, v := range cand.notes {
			setupCtx[k] = v
		}
		signals = append(signals, &Signal{
			SignalID:       uuid.NewString(),
			Symbol:         symbol,
			Direction:      cand.direction,
			SignalType:     cand.signalType,
			Priority:       cand.priority,
			CTAZone:        zone,
			Setup:          setup,
			SetupContext:   setupCtx,
			Context:        panel.Snapshot(),
			Confidence:     cand.confidence,
			ConvictionMult: 1.0,
			CreatedAt:      now,
		})
	}
	if len(signals) == 0 {
		return nil, nil
	}

	applyConfluence(signals)
	s.enrich(ctx, signals, sectorETF, sectorZones)

	out := make([]Signal, len(signals))
	for i, sig := range signals {
		out[i] = *sig
	}
	return out, nil
}

func (s *Scanner) allowFire(symbol, signalType string, now time.Time) bool {
	key := symbol + "|" + signalType
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastFired[key]; ok && now.Sub(last) < s.cooldown {
		return false
	}
	s.lastFired[key] = now
	return true
}

// enrich sets the conviction multiplier from sector wind and composite
// alignment: a conflicting composite discounts to 0.8, full alignment
// of both upgrades to 1.2, anything else stays at 1.0.
func (s *Scanner) enrich(ctx context.Context, signals []*Signal, sectorETF string, sectorZones map[string]Zone) {
	sectorZone := s.sectorZone(ctx, sectorETF, sectorZones)

	var composite *bias.Result
	if s.biasSrc != nil {
		if res, err := s.biasSrc.Cached(ctx); err == nil {
			composite = res
		}
	}

	for _, sig := range signals {
		sig.ConvictionMult = conviction(sig.Direction, composite, sectorZone)
	}
}

func (s *Scanner) sectorZone(ctx context.Context, sectorETF string, memo map[string]Zone) Zone {
	if sectorETF == "" {
		return ZoneUnknown
	}
	if memo != nil {
		if z, ok := memo[sectorETF]; ok {
			return z
		}
	}
	zone := ZoneUnknown
	if bars, err := s.ohlcv.DailyBars(ctx, sectorETF, barsFetchDays); err == nil {
		if panel, err := NewPanel(sectorETF, bars); err == nil {
			zone = panel.Zone()
		}
	}
	if memo != nil {
		memo[sectorETF] = zone
	}
	return zone
}

func conviction(direction string, composite *bias.Result, sectorZone Zone) float64 {
	if composite == nil {
		return 1.0
	}

	biasAligned := false
	biasConflicts := false
	switch direction {
	case DirectionLong:
		biasAligned = bias.Bullish(composite.BiasLevel)
		biasConflicts = bias.Bearish(composite.BiasLevel)
	case DirectionShort:
		biasAligned = bias.Bearish(composite.BiasLevel)
		biasConflicts = bias.Bullish(composite.BiasLevel)
	}
	if biasConflicts {
		return 0.8
	}

	sectorAligned := false
	if rank, ok := zoneRank[sectorZone]; ok {
		if direction == DirectionLong {
			sectorAligned = rank >= zoneRank[ZoneTransition]
		} else {
			sectorAligned = rank <= zoneRank[ZoneDeLeveraging]
		}
	}
	if biasAligned && sectorAligned {
		return 1.2
	}
	return 1.0
}
