package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/marketbias/internal/bias"
	"github.com/quantfold/marketbias/internal/market"
	"github.com/quantfold/marketbias/internal/persistence"
	"github.com/quantfold/marketbias/internal/scanner"
)

const (
	defaultCooldown = 4 * time.Hour

	// EventNewSignal is broadcast for every dispatched signal.
	EventNewSignal = "NEW_SIGNAL"
)

// Notifier is the event bus seam.
type Notifier interface {
	Notify(eventType string, payload interface{})
}

// BiasSource supplies the cached composite for the dispatch snapshot.
type BiasSource interface {
	Cached(ctx context.Context) (*bias.Result, error)
}

// Kicker is the committee assembler seam; invoked after a dispatch.
type Kicker interface {
	Kick(ctx context.Context, sig scanner.Signal)
}

// Dispatcher owns a signal once the scanner emits it: dedupe, bias
// snapshot, durable insert, broadcast, committee kick.
type Dispatcher struct {
	repo     persistence.SignalsRepo // nil when the database is disabled
	biasSrc  BiasSource
	notify   Notifier
	kicker   Kicker
	cooldown time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// New creates a dispatcher. repo, biasSrc, notify, and kicker may each
// be nil.
func New(repo persistence.SignalsRepo, biasSrc BiasSource, notify Notifier, kicker Kicker, cooldown time.Duration, log zerolog.Logger) *Dispatcher {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Dispatcher{
		repo:     repo,
		biasSrc:  biasSrc,
		notify:   notify,
		kicker:   kicker,
		cooldown: cooldown,
		log:      log.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
		seen:     make(map[string]time.Time),
	}
}

// Dispatch processes one signal. Returns false when the signal was
// suppressed as a duplicate.
func (d *Dispatcher) Dispatch(ctx context.Context, sig scanner.Signal) (bool, error) {
	now := d.now().UTC()
	key := sig.Symbol + "|" + sig.SignalType

	d.mu.Lock()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		d.log.Debug().Str("symbol", sig.Symbol).Str("type", sig.SignalType).
			Msg("duplicate signal suppressed")
		return false, nil
	}
	d.seen[key] = now
	d.mu.Unlock()

	// The bias snapshot is immutable dispatch metadata: later composite
	// changes must not rewrite what the signal saw.
	var biasSnapshot map[string]interface{}
	if d.biasSrc != nil {
		if res, err := d.biasSrc.Cached(ctx); err == nil && res != nil {
			biasSnapshot = map[string]interface{}{
				"composite_score": res.CompositeScore,
				"bias_level":      string(res.BiasLevel),
				"bias_numeric":    res.BiasNumeric,
				"confidence":      res.Confidence,
				"timestamp":       res.Timestamp.Format(time.RFC3339),
			}
		}
	}

	if d.repo != nil {
		row, err := d.toRow(sig, biasSnapshot, now)
		if err != nil {
			return false, err
		}
		if err := d.repo.Insert(ctx, row); err != nil {
			return false, fmt.Errorf("failed to persist signal: %w", err)
		}
	}

	if d.notify != nil {
		d.notify.Notify(EventNewSignal, sig)
	}

	if d.kicker != nil {
		go d.kicker.Kick(context.Background(), sig)
	}

	d.log.Info().Str("symbol", sig.Symbol).Str("type", sig.SignalType).
		Str("direction", sig.Direction).Int("priority", sig.Priority).
		Float64("conviction", sig.ConvictionMult).Msg("signal dispatched")
	return true, nil
}

// toRow captures the calendar context alongside the signal body.
func (d *Dispatcher) toRow(sig scanner.Signal, biasSnapshot map[string]interface{}, now time.Time) (persistence.SignalRow, error) {
	et := market.NowET()

	setup, err := toMap(sig.Setup)
	if err != nil {
		return persistence.SignalRow{}, err
	}
	confluence := map[string]interface{}(nil)
	if sig.Confluence != nil {
		confluence, err = toMap(sig.Confluence)
		if err != nil {
			return persistence.SignalRow{}, err
		}
	}

	return persistence.SignalRow{
		SignalID:       sig.SignalID,
		Symbol:         sig.Symbol,
		Direction:      sig.Direction,
		SignalType:     sig.SignalType,
		Priority:       sig.Priority,
		CTAZone:        string(sig.CTAZone),
		Confidence:     sig.Confidence,
		Setup:          setup,
		SetupContext:   sig.SetupContext,
		Context:        sig.Context,
		Confluence:     confluence,
		BiasSnapshot:   biasSnapshot,
		ConvictionMult: sig.ConvictionMult,
		Weekday:        et.Weekday().String(),
		HourOfDay:      et.Hour(),
		OpexWeek:       market.IsOpexWeek(et),
		Status:         "open",
		CreatedAt:      now,
	}, nil
}

func toMap(v interface{}) (map[string]interface{}, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signal field: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, err
	}
	return out, nil
}
