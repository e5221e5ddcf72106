package bias

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/marketbias/internal/breaker"
	"github.com/quantfold/marketbias/internal/factors"
	"github.com/quantfold/marketbias/internal/kv"
	"github.com/quantfold/marketbias/internal/market"
	"github.com/quantfold/marketbias/internal/persistence"
)

const (
	compositeKey  = "bias/composite/latest"
	compositeTTL  = 24 * time.Hour
	shortCacheTTL = 15 * time.Second
	alertCooldown = 15 * time.Minute

	velocityLookback  = 24 * time.Hour
	velocityDrop      = 0.30
	velocityThreshold = 3
	velocityBoost     = 1.3
)

// Confidence grades for a composite result.
const (
	ConfidenceHigh   = "HIGH"
	ConfidenceMedium = "MEDIUM"
	ConfidenceLow    = "LOW"
)

// EventBiasUpdate is broadcast when the bias level changes.
const EventBiasUpdate = "BIAS_UPDATE"

// Notifier receives composite change events and operational alerts.
type Notifier interface {
	Notify(eventType string, payload interface{})
}

// Result is one composite computation. Either a full Result is cached
// and persisted, or the previous one remains current; partial results
// are never emitted.
type Result struct {
	CompositeScore      float64                     `json:"composite_score"`
	BiasLevel           Level                       `json:"bias_level"`
	BiasNumeric         int                         `json:"bias_numeric"`
	SixState            Level                       `json:"six_state"`
	Factors             map[string]*factors.Reading `json:"factors"`
	ActiveFactors       []string                    `json:"active_factors"`
	StaleFactors        []string                    `json:"stale_factors"`
	UnverifiableFactors []string                    `json:"unverifiable_factors,omitempty"`
	VelocityMultiplier  float64                     `json:"velocity_multiplier"`
	Override            *Override                   `json:"override,omitempty"`
	Confidence          string                      `json:"confidence"`
	CircuitBreaker      *breaker.State              `json:"circuit_breaker,omitempty"`
	Timestamp           time.Time                   `json:"timestamp"`
}

// Engine computes the weighted composite bias. It is the only writer of
// the cached composite.
type Engine struct {
	store  *factors.Store
	kvs    kv.Store
	brk    *breaker.Manager
	repo   persistence.CompositeRepo // nil when the database is disabled
	notify Notifier
	log    zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	cached    *Result
	cachedAt  time.Time
	lastAlert map[string]time.Time
}

// NewEngine wires the composite engine. repo and notify may be nil.
func NewEngine(store *factors.Store, kvs kv.Store, brk *breaker.Manager, repo persistence.CompositeRepo, notify Notifier, log zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		kvs:       kvs,
		brk:       brk,
		repo:      repo,
		notify:    notify,
		log:       log.With().Str("component", "bias_engine").Logger(),
		now:       time.Now,
		lastAlert: make(map[string]time.Time),
	}
}

// Compute returns the current composite, recomputing unless a result
// newer than the short cache window exists. Factor writes arrive far
// faster than 15 s apart during market hours; the cache debounces them.
func (e *Engine) Compute(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.cached != nil && e.now().Sub(e.cachedAt) < shortCacheTTL {
		res := e.cached
		e.mu.Unlock()
		return res, nil
	}
	e.mu.Unlock()
	return e.ComputeFresh(ctx)
}

// ComputeFresh always recomputes, bypassing the short cache.
func (e *Engine) ComputeFresh(ctx context.Context) (*Result, error) {
	now := e.now().UTC()
	table := e.store.Table()

	res := &Result{
		Factors:            make(map[string]*factors.Reading, len(table)),
		VelocityMultiplier: 1.0,
		Timestamp:          now,
	}

	// Partition the closed factor set into active and stale. A factor
	// is stale when missing or when its source timestamp has aged past
	// the per-factor window.
	active := make(map[string]*factors.Reading)
	for id, cfg := range table {
		r, err := e.store.GetLatest(ctx, id)
		if err != nil {
			e.log.Warn().Err(err).Str("factor", id).Msg("factor read failed")
			r = nil
		}
		res.Factors[id] = r
		if r == nil || r.StaleAt(now, cfg.StalenessHours) {
			res.StaleFactors = append(res.StaleFactors, id)
			continue
		}
		res.ActiveFactors = append(res.ActiveFactors, id)
		active[id] = r
		if r.Unverifiable() {
			res.UnverifiableFactors = append(res.UnverifiableFactors, id)
		}
	}
	sort.Strings(res.ActiveFactors)
	sort.Strings(res.StaleFactors)
	sort.Strings(res.UnverifiableFactors)

	// Weighted sum over renormalized active weights.
	raw := 0.0
	if len(active) > 0 {
		weights := table.NormalizedWeights(res.ActiveFactors)
		for id, r := range active {
			raw += weights[id] * r.Score
		}
	}
	raw = factors.Clamp(raw)

	// Velocity: several factors deteriorating together amplifies the
	// move. Factors without a 24h-old history sample contribute no
	// delta.
	drops := 0
	cutoff := now.Add(-velocityLookback)
	for id, r := range active {
		prior, err := e.store.GetBefore(ctx, id, cutoff)
		if err != nil || prior == nil {
			continue
		}
		if prior.Score-r.Score >= velocityDrop {
			drops++
		}
	}
	if drops >= velocityThreshold {
		res.VelocityMultiplier = velocityBoost
		raw = factors.Clamp(raw * velocityBoost)
	}

	res.CompositeScore = raw
	res.BiasLevel = BandFor(raw)
	res.BiasNumeric = Numeric(res.BiasLevel)

	// Operator override holds unless the raw composite has crossed to
	// the strict opposite half, which invalidates it.
	if ov, err := GetOverride(ctx, e.kvs, now); err != nil {
		e.log.Warn().Err(err).Msg("override read failed")
	} else if ov != nil {
		ovNum := Numeric(ov.Level)
		crossed := (ovNum > 3 && res.BiasNumeric <= 2) || (ovNum < 3 && res.BiasNumeric >= 4)
		if crossed {
			if err := ClearOverride(ctx, e.kvs); err != nil {
				e.log.Warn().Err(err).Msg("override clear failed")
			}
			e.log.Info().Str("override", string(ov.Level)).Str("composite", string(res.BiasLevel)).
				Msg("override invalidated by opposite-half composite")
		} else {
			res.Override = ov
			res.BiasLevel = ov.Level
			res.BiasNumeric = ovNum
		}
	}

	// Circuit breaker projection: score modifier re-bands, then the
	// numeric cap and floor clamp the outcome.
	if st := e.brk.Snapshot(); st.Active {
		snapshot := st
		res.CircuitBreaker = &snapshot

		adjusted := factors.Clamp(res.CompositeScore * st.EffectiveModifier())
		res.CompositeScore = adjusted
		if res.Override == nil {
			res.BiasLevel = BandFor(adjusted)
			res.BiasNumeric = Numeric(res.BiasLevel)
		}
		if st.BiasCap != nil && res.BiasNumeric > *st.BiasCap {
			res.BiasNumeric = *st.BiasCap
		}
		if st.BiasFloor != nil && res.BiasNumeric < *st.BiasFloor {
			res.BiasNumeric = *st.BiasFloor
		}
		if lvl, err := FromNumeric(res.BiasNumeric); err == nil {
			res.BiasLevel = lvl
		}
	}

	res.SixState = SixStateFor(res.CompositeScore)

	switch {
	case len(res.ActiveFactors) >= 6:
		res.Confidence = ConfidenceHigh
	case len(res.ActiveFactors) >= 4:
		res.Confidence = ConfidenceMedium
	default:
		res.Confidence = ConfidenceLow
	}

	prev := e.previous(ctx)
	e.persist(ctx, res)
	e.detectChanges(prev, res, now)

	// Decay tick rides the compute cycle so the breaker fades without
	// its own scheduler entry.
	e.brk.DecayCheck(ctx)

	e.mu.Lock()
	e.cached = res
	e.cachedAt = e.now()
	e.mu.Unlock()

	return res, nil
}

// Cached returns the freshest known composite without recomputing: the
// in-process slot first, then the durable KV copy.
func (e *Engine) Cached(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.cached != nil {
		res := e.cached
		e.mu.Unlock()
		return res, nil
	}
	e.mu.Unlock()

	buf, found, err := e.kvs.Get(ctx, compositeKey)
	if err != nil || !found {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(buf, &res); err != nil {
		return nil, fmt.Errorf("corrupt cached composite: %w", err)
	}
	return &res, nil
}

func (e *Engine) previous(ctx context.Context) *Result {
	e.mu.Lock()
	if e.cached != nil {
		prev := e.cached
		e.mu.Unlock()
		return prev
	}
	e.mu.Unlock()

	buf, found, err := e.kvs.Get(ctx, compositeKey)
	if err != nil || !found {
		return nil
	}
	var prev Result
	if err := json.Unmarshal(buf, &prev); err != nil {
		return nil
	}
	return &prev
}

// persist writes the durable cache and appends history. Neither failure
// aborts the compute.
func (e *Engine) persist(ctx context.Context, res *Result) {
	buf, err := json.Marshal(res)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to marshal composite")
		return
	}
	if err := e.kvs.Set(ctx, compositeKey, buf, compositeTTL); err != nil {
		e.log.Warn().Err(err).Msg("composite cache write failed")
	}

	if e.repo == nil {
		return
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(buf, &payload); err != nil {
		e.log.Warn().Err(err).Msg("composite payload decode failed")
		return
	}
	row := persistence.CompositeRow{
		CompositeScore:     res.CompositeScore,
		BiasLevel:          string(res.BiasLevel),
		BiasNumeric:        res.BiasNumeric,
		Confidence:         res.Confidence,
		ActiveCount:        len(res.ActiveFactors),
		StaleCount:         len(res.StaleFactors),
		VelocityMultiplier: res.VelocityMultiplier,
		Payload:            payload,
	}
	if err := e.repo.Insert(ctx, row); err != nil {
		e.log.Warn().Err(err).Msg("composite history insert failed")
	}
}

// detectChanges broadcasts level changes and raises operational alerts.
// Every genuine level change is broadcast; only the alerts carry a
// cooldown, so a boundary-hugging score cannot flap them while
// subscribers still see each regime move.
func (e *Engine) detectChanges(prev, cur *Result, now time.Time) {
	if prev != nil && prev.BiasLevel != cur.BiasLevel {
		e.log.Info().Str("from", string(prev.BiasLevel)).Str("to", string(cur.BiasLevel)).
			Float64("score", cur.CompositeScore).Msg("bias level changed")
		if e.notify != nil {
			e.notify.Notify(EventBiasUpdate, cur)
		}
	}

	if prev != nil && prev.Confidence == ConfidenceHigh && cur.Confidence == ConfidenceLow {
		if e.allowAlert("confidence_collapsed", now) {
			e.log.Warn().Int("active", len(cur.ActiveFactors)).Msg("composite confidence collapsed HIGH to LOW")
			if e.notify != nil {
				e.notify.Notify("ALERT", map[string]interface{}{
					"kind":   "confidence_collapsed",
					"active": len(cur.ActiveFactors),
				})
			}
		}
	}

	if len(cur.StaleFactors) >= 5 && market.IsMarketOpen(now) {
		if e.allowAlert("stale_factors", now) {
			e.log.Warn().Int("stale", len(cur.StaleFactors)).Msg("excessive stale factors during market session")
			if e.notify != nil {
				e.notify.Notify("ALERT", map[string]interface{}{
					"kind":  "stale_factors",
					"stale": cur.StaleFactors,
				})
			}
		}
	}
}

func (e *Engine) allowAlert(kind string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastAlert[kind]; ok && now.Sub(last) < alertCooldown {
		return false
	}
	e.lastAlert[kind] = now
	return true
}
