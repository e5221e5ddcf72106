package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/marketbias/internal/kv"
	"github.com/quantfold/marketbias/internal/market"
)

const (
	stateKey      = "bias/circuit_breaker"
	stateTTL      = 7 * 24 * time.Hour
	fadeWindow    = 60 * time.Minute
	EventApplied  = "circuit_breaker"
	EventPending  = "circuit_breaker_pending_reset"
	EventCleared  = "circuit_breaker_cleared"
	EventRejected = "circuit_breaker_reset_rejected"
)

// ErrNoPendingReset is returned by AcceptReset/RejectReset when the
// breaker is not awaiting operator confirmation.
var ErrNoPendingReset = errors.New("circuit breaker is not pending reset")

// State is the persisted breaker snapshot.
type State struct {
	Active          bool       `json:"active"`
	Trigger         string     `json:"trigger,omitempty"`
	Severity        int        `json:"severity"`
	TriggeredAt     time.Time  `json:"triggered_at,omitempty"`
	BiasCap         *int       `json:"bias_cap,omitempty"`
	BiasFloor       *int       `json:"bias_floor,omitempty"`
	ScoringModifier float64    `json:"scoring_modifier"`
	Description     string     `json:"description,omitempty"`
	PendingReset    bool       `json:"pending_reset"`
	PendingSince    *time.Time `json:"pending_since,omitempty"`
	DecayFade       float64    `json:"decay_fade"`
}

// EffectiveModifier is the scoring modifier after the pending-reset
// fade: it interpolates linearly from the installed value toward 1.0 as
// the fade runs out.
func (s *State) EffectiveModifier() float64 {
	if !s.Active {
		return 1.0
	}
	if !s.PendingReset {
		return s.ScoringModifier
	}
	return 1.0 + (s.ScoringModifier-1.0)*s.DecayFade
}

// Notifier receives breaker lifecycle events for broadcast.
type Notifier interface {
	Notify(eventType string, payload interface{})
}

// Manager owns the single breaker state. Apply, decay ticks, and resets
// all contend on one lock; the persisted KV copy follows the in-memory
// state.
type Manager struct {
	mu     sync.Mutex
	state  State
	kv     kv.Store
	quotes market.OHLCVProvider
	notify Notifier
	log    zerolog.Logger
	now    func() time.Time
}

// NewManager creates a breaker manager. notify may be nil.
func NewManager(store kv.Store, quotes market.OHLCVProvider, notify Notifier, log zerolog.Logger) *Manager {
	return &Manager{
		state:  State{ScoringModifier: 1.0},
		kv:     store,
		quotes: quotes,
		notify: notify,
		log:    log.With().Str("component", "circuit_breaker").Logger(),
		now:    time.Now,
	}
}

// Restore loads persisted state on process start. A missing key leaves
// the breaker inactive.
func (m *Manager) Restore(ctx context.Context) error {
	buf, found, err := m.kv.Get(ctx, stateKey)
	if err != nil {
		return fmt.Errorf("failed to restore circuit breaker state: %w", err)
	}
	if !found {
		return nil
	}
	var s State
	if err := json.Unmarshal(buf, &s); err != nil {
		return fmt.Errorf("corrupt circuit breaker state: %w", err)
	}

	m.mu.Lock()
	m.state = s
	m.mu.Unlock()

	m.log.Info().Str("trigger", s.Trigger).Bool("active", s.Active).
		Bool("pending_reset", s.PendingReset).Msg("circuit breaker state restored")
	return nil
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply installs a trigger. Re-firing the trigger that is already
// active is a no-op, so webhook retries cannot restart the decay clock
// or wipe a pending reset. Lower-severity triggers cannot overwrite an
// active higher-severity state; both no-ops report applied=false.
// spy_recovery clears the breaker entirely.
func (m *Manager) Apply(ctx context.Context, trigger string) (State, bool, error) {
	policy, err := PolicyFor(trigger)
	if err != nil {
		return m.Snapshot(), false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if trigger == TriggerSPYRecovery {
		if !m.state.Active {
			return m.state, false, nil
		}
		m.state = State{ScoringModifier: 1.0}
		m.persistLocked(ctx)
		m.notifyLocked(EventCleared)
		m.log.Info().Msg("circuit breaker cleared by recovery trigger")
		return m.state, true, nil
	}

	if m.state.Active && trigger == m.state.Trigger {
		m.log.Debug().Str("trigger", trigger).Msg("trigger already active, re-apply ignored")
		return m.state, false, nil
	}

	if m.state.Active && policy.Severity < m.state.Severity {
		m.log.Info().Str("trigger", trigger).Int("severity", policy.Severity).
			Str("active_trigger", m.state.Trigger).Int("active_severity", m.state.Severity).
			Msg("trigger ignored by no-downgrade guard")
		return m.state, false, nil
	}

	m.state = State{
		Active:          true,
		Trigger:         trigger,
		Severity:        policy.Severity,
		TriggeredAt:     m.now().UTC(),
		BiasCap:         policy.BiasCap,
		BiasFloor:       policy.BiasFloor,
		ScoringModifier: policy.ScoringModifier,
		Description:     policy.Description,
		DecayFade:       0,
	}
	m.persistLocked(ctx)
	m.notifyLocked(EventApplied)
	m.log.Warn().Str("trigger", trigger).Int("severity", policy.Severity).
		Float64("scoring_modifier", policy.ScoringModifier).Msg("circuit breaker applied")
	return m.state, true, nil
}

// DecayCheck is invoked each composite cycle. An active breaker whose
// decay timer has elapsed and whose verification condition reads clear
// transitions to pending_reset; while pending, the fade runs down
// linearly over 60 minutes.
func (m *Manager) DecayCheck(ctx context.Context) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Active {
		return m.state
	}
	now := m.now().UTC()

	if m.state.PendingReset {
		elapsed := now.Sub(*m.state.PendingSince)
		fade := 1.0 - elapsed.Minutes()/fadeWindow.Minutes()
		if fade < 0 {
			fade = 0
		}
		m.state.DecayFade = fade
		m.persistLocked(ctx)
		return m.state
	}

	policy, err := PolicyFor(m.state.Trigger)
	if err != nil || policy.MaxDecay == 0 {
		return m.state
	}
	if now.Sub(m.state.TriggeredAt) < policy.MaxDecay {
		return m.state
	}
	if !m.verifyCleared(ctx, policy.Verify) {
		return m.state
	}

	m.state.PendingReset = true
	m.state.PendingSince = &now
	m.state.DecayFade = 1.0
	m.persistLocked(ctx)
	m.notifyLocked(EventPending)
	m.log.Info().Str("trigger", m.state.Trigger).
		Msg("circuit breaker decay verified, awaiting reset confirmation")
	return m.state
}

// AcceptReset clears the breaker. Valid only while pending_reset.
func (m *Manager) AcceptReset(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.PendingReset {
		return m.state, ErrNoPendingReset
	}
	m.state = State{ScoringModifier: 1.0}
	m.persistLocked(ctx)
	m.notifyLocked(EventCleared)
	m.log.Info().Msg("circuit breaker reset accepted")
	return m.state, nil
}

// RejectReset keeps the breaker active and restarts the decay clock.
// Valid only while pending_reset.
func (m *Manager) RejectReset(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.PendingReset {
		return m.state, ErrNoPendingReset
	}
	m.state.PendingReset = false
	m.state.PendingSince = nil
	m.state.DecayFade = 0
	m.state.TriggeredAt = m.now().UTC()
	m.persistLocked(ctx)
	m.notifyLocked(EventRejected)
	m.log.Info().Str("trigger", m.state.Trigger).Msg("circuit breaker reset rejected, decay clock restarted")
	return m.state, nil
}

// verifyCleared checks the market condition behind a trigger. A fetch
// failure counts as not cleared.
func (m *Manager) verifyCleared(ctx context.Context, condition string) bool {
	switch condition {
	case "":
		return true
	case VerifySPYNotDown1Pct, VerifySPYNotDown2Pct:
		q, err := m.quotes.Quote(ctx, "SPY")
		if err != nil || q.PrevClose == 0 {
			return false
		}
		drop := (q.PrevClose - q.Last) / q.PrevClose * 100
		if condition == VerifySPYNotDown1Pct {
			return drop < 1.0
		}
		return drop < 2.0
	case VerifyVIXBelow20, VerifyVIXBelow30:
		q, err := m.quotes.Quote(ctx, "^VIX")
		if err != nil {
			return false
		}
		if condition == VerifyVIXBelow20 {
			return q.Last < 20
		}
		return q.Last < 30
	default:
		return false
	}
}

func (m *Manager) persistLocked(ctx context.Context) {
	buf, err := json.Marshal(m.state)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to marshal circuit breaker state")
		return
	}
	if err := m.kv.Set(ctx, stateKey, buf, stateTTL); err != nil {
		m.log.Warn().Err(err).Msg("circuit breaker persist failed")
	}
}

func (m *Manager) notifyLocked(eventType string) {
	if m.notify == nil {
		return
	}
	m.notify.Notify(eventType, m.state)
}
