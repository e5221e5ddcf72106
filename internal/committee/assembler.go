package committee

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/marketbias/internal/bias"
	"github.com/quantfold/marketbias/internal/kv"
	"github.com/quantfold/marketbias/internal/persistence"
	"github.com/quantfold/marketbias/internal/scanner"
)

const (
	packetKeyPrefix = "committee:packet:"
	packetTTL       = 24 * time.Hour
	flowKeyPrefix   = "uw:flow:"

	// EventPacket announces a freshly assembled packet.
	EventPacket = "COMMITTEE_PACKET"
)

// Notifier is the event bus seam.
type Notifier interface {
	Notify(eventType string, payload interface{})
}

// BiasSource supplies the cached composite.
type BiasSource interface {
	Cached(ctx context.Context) (*bias.Result, error)
}

// Packet is the full decision context assembled around one signal:
// everything a downstream decisioning layer needs in a single document.
type Packet struct {
	Signal         scanner.Signal                 `json:"signal"`
	Composite      *bias.Result                   `json:"composite,omitempty"`
	SixState       string                         `json:"six_state,omitempty"`
	StrategyHealth *persistence.StrategyHealth    `json:"strategy_health,omitempty"`
	Portfolio      *persistence.PortfolioSnapshot `json:"portfolio,omitempty"`
	RecentFlow     map[string]interface{}         `json:"recent_flow,omitempty"`
	AssembledAt    time.Time                      `json:"assembled_at"`
}

// Assembler builds committee packets. Every input is best-effort: a
// missing source leaves its slot empty rather than failing the packet.
type Assembler struct {
	kvs     kv.Store
	biasSrc BiasSource
	health  persistence.HealthRepo // nil when the database is disabled
	notify  Notifier
	log     zerolog.Logger
	now     func() time.Time
}

// New creates an assembler. health and notify may be nil.
func New(kvs kv.Store, biasSrc BiasSource, health persistence.HealthRepo, notify Notifier, log zerolog.Logger) *Assembler {
	return &Assembler{
		kvs:     kvs,
		biasSrc: biasSrc,
		health:  health,
		notify:  notify,
		log:     log.With().Str("component", "committee").Logger(),
		now:     time.Now,
	}
}

// Kick assembles and publishes the packet for a dispatched signal.
func (a *Assembler) Kick(ctx context.Context, sig scanner.Signal) {
	packet := a.Assemble(ctx, sig)

	buf, err := json.Marshal(packet)
	if err != nil {
		a.log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("packet marshal failed")
		return
	}
	if err := a.kvs.Set(ctx, packetKeyPrefix+sig.SignalID, buf, packetTTL); err != nil {
		a.log.Warn().Err(err).Str("signal_id", sig.SignalID).Msg("packet store failed")
	}
	if a.notify != nil {
		a.notify.Notify(EventPacket, packet)
	}
	a.log.Info().Str("signal_id", sig.SignalID).Str("symbol", sig.Symbol).Msg("committee packet assembled")
}

// Assemble gathers the decision context without publishing it.
func (a *Assembler) Assemble(ctx context.Context, sig scanner.Signal) *Packet {
	packet := &Packet{
		Signal:      sig,
		AssembledAt: a.now().UTC(),
	}

	if a.biasSrc != nil {
		if res, err := a.biasSrc.Cached(ctx); err == nil && res != nil {
			packet.Composite = res
			packet.SixState = string(res.SixState)
		}
	}

	if a.health != nil {
		if rows, err := a.health.ListStrategyHealth(ctx); err == nil {
			for i := range rows {
				if rows[i].SignalType == sig.SignalType {
					packet.StrategyHealth = &rows[i]
					break
				}
			}
		}
		if snap, err := a.health.LatestPortfolioSnapshot(ctx); err == nil && snap != nil {
			packet.Portfolio = snap
		}
	}

	// Latest options flow for the ticker, written by the flow webhook.
	if buf, found, err := a.kvs.Get(ctx, flowKeyPrefix+sig.Symbol); err == nil && found {
		var flow map[string]interface{}
		if err := json.Unmarshal(buf, &flow); err == nil {
			packet.RecentFlow = flow
		}
	}

	return packet
}

// Load fetches a previously assembled packet, or nil when expired.
func (a *Assembler) Load(ctx context.Context, signalID string) (*Packet, error) {
	buf, found, err := a.kvs.Get(ctx, packetKeyPrefix+signalID)
	if err != nil || !found {
		return nil, err
	}
	var p Packet
	if err := json.Unmarshal(buf, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
