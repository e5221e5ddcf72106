package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/marketbias/internal/market"
	"github.com/quantfold/marketbias/internal/persistence"
	"github.com/quantfold/marketbias/internal/scanner"
)

// Outcome identifiers.
const (
	OutcomeT1Hit   = "T1_HIT"
	OutcomeT2Hit   = "T2_HIT"
	OutcomeStopped = "STOPPED"
	OutcomeExpired = "EXPIRED"
)

// maxBarsHeld expires signals that never resolve against stop or
// target.
const maxBarsHeld = 15

// Tracker walks open signals hourly and resolves them against fresh
// OHLCV: stop and target crossings close the signal and feed the
// per-strategy health ledger.
type Tracker struct {
	signals  persistence.SignalsRepo
	outcomes persistence.OutcomesRepo
	health   persistence.HealthRepo
	ohlcv    market.OHLCVProvider
	log      zerolog.Logger
	now      func() time.Time
}

// NewTracker wires the outcome tracker. health may be nil.
func NewTracker(signals persistence.SignalsRepo, outcomes persistence.OutcomesRepo, health persistence.HealthRepo, ohlcv market.OHLCVProvider, log zerolog.Logger) *Tracker {
	return &Tracker{
		signals:  signals,
		outcomes: outcomes,
		health:   health,
		ohlcv:    ohlcv,
		log:      log.With().Str("component", "outcome_tracker").Logger(),
		now:      time.Now,
	}
}

// Run performs one tracking sweep. Per-signal failures are logged and
// skipped.
func (t *Tracker) Run(ctx context.Context) error {
	if t.signals == nil || t.outcomes == nil {
		return errors.New("signal store is not configured")
	}
	open, err := t.signals.ListOpen(ctx)
	if err != nil {
		return err
	}

	resolved := 0
	for _, row := range open {
		ok, err := t.track(ctx, row)
		if err != nil {
			t.log.Warn().Err(err).Str("signal_id", row.SignalID).Msg("outcome tracking failed")
			continue
		}
		if ok {
			resolved++
		}
	}
	t.log.Info().Int("open", len(open)).Int("resolved", resolved).Msg("outcome sweep complete")
	return nil
}

func (t *Tracker) track(ctx context.Context, row persistence.SignalRow) (bool, error) {
	entry, _ := num(row.Setup, "entry")
	stop, _ := num(row.Setup, "stop")
	t1, _ := num(row.Setup, "t1")
	t2, _ := num(row.Setup, "t2")
	if entry == 0 || stop == 0 || t2 == 0 {
		return false, nil
	}

	days := int(t.now().Sub(row.CreatedAt).Hours()/24) + 2
	bars, err := t.ohlcv.DailyBars(ctx, row.Symbol, days)
	if err != nil {
		return false, err
	}

	long := row.Direction == scanner.DirectionLong
	risk := entry - stop
	if !long {
		risk = stop - entry
	}
	if risk <= 0 {
		return false, nil
	}

	barsHeld := 0
	for _, bar := range bars {
		if !bar.Timestamp.After(row.CreatedAt) {
			continue
		}
		barsHeld++

		outcome, exit := "", 0.0
		switch {
		case long && bar.Low <= stop:
			outcome, exit = OutcomeStopped, stop
		case !long && bar.High >= stop:
			outcome, exit = OutcomeStopped, stop
		case long && bar.High >= t2:
			outcome, exit = OutcomeT2Hit, t2
		case !long && bar.Low <= t2:
			outcome, exit = OutcomeT2Hit, t2
		case t1 != t2 && t1 != 0 && long && bar.High >= t1:
			outcome, exit = OutcomeT1Hit, t1
		case t1 != t2 && t1 != 0 && !long && bar.Low <= t1:
			outcome, exit = OutcomeT1Hit, t1
		}
		if outcome != "" {
			return true, t.close(ctx, row, outcome, exit, entry, risk, long, barsHeld)
		}
	}

	if barsHeld >= maxBarsHeld {
		last := bars[len(bars)-1].Close
		return true, t.close(ctx, row, OutcomeExpired, last, entry, risk, long, barsHeld)
	}
	return false, nil
}

func (t *Tracker) close(ctx context.Context, row persistence.SignalRow, outcome string, exit, entry, risk float64, long bool, barsHeld int) error {
	r := (exit - entry) / risk
	if !long {
		r = (entry - exit) / risk
	}

	if err := t.outcomes.Insert(ctx, persistence.OutcomeRow{
		SignalID:  row.SignalID,
		Outcome:   outcome,
		ExitPrice: exit,
		RMultiple: r,
		BarsHeld:  barsHeld,
	}); err != nil {
		return err
	}
	if err := t.signals.Close(ctx, row.SignalID, t.now().UTC()); err != nil {
		return err
	}
	t.log.Info().Str("signal_id", row.SignalID).Str("symbol", row.Symbol).
		Str("outcome", outcome).Float64("r_multiple", r).Msg("signal resolved")

	if t.health != nil {
		if err := t.updateHealth(ctx, row.SignalType, r); err != nil {
			t.log.Warn().Err(err).Str("signal_type", row.SignalType).Msg("strategy health update failed")
		}
	}
	return nil
}

// updateHealth folds one resolution into the per-type aggregate.
func (t *Tracker) updateHealth(ctx context.Context, signalType string, r float64) error {
	rows, err := t.health.ListStrategyHealth(ctx)
	if err != nil {
		return err
	}
	h := persistence.StrategyHealth{SignalType: signalType}
	for _, row := range rows {
		if row.SignalType == signalType {
			h = row
			break
		}
	}

	sumR := h.AvgR * float64(h.Total)
	h.Total++
	if r > 0 {
		h.Wins++
	} else {
		h.Losses++
	}
	h.WinRate = float64(h.Wins) / float64(h.Total)
	h.AvgR = (sumR + r) / float64(h.Total)
	h.UpdatedAt = t.now().UTC()

	return t.health.UpsertStrategyHealth(ctx, h)
}

func num(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m[key].(float64)
	return v, ok
}
