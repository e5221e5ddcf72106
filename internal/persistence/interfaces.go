package persistence

import (
	"context"
	"time"
)

// TimeRange represents a time window for history queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SignalRow is a persisted scanner signal with its dispatch context.
type SignalRow struct {
	SignalID       string                 `json:"signal_id" db:"signal_id"`
	Symbol         string                 `json:"symbol" db:"symbol"`
	Direction      string                 `json:"direction" db:"direction"`
	SignalType     string                 `json:"signal_type" db:"signal_type"`
	Priority       int                    `json:"priority" db:"priority"`
	CTAZone        string                 `json:"cta_zone" db:"cta_zone"`
	Confidence     string                 `json:"confidence" db:"confidence"`
	Setup          map[string]interface{} `json:"setup" db:"setup"`
	SetupContext   map[string]interface{} `json:"setup_context" db:"setup_context"`
	Context        map[string]interface{} `json:"context" db:"context"`
	Confluence     map[string]interface{} `json:"confluence,omitempty" db:"confluence"`
	BiasSnapshot   map[string]interface{} `json:"bias_snapshot,omitempty" db:"bias_snapshot"`
	ConvictionMult float64                `json:"conviction_mult" db:"conviction_mult"`

	// Calendar context captured at dispatch time.
	Weekday        string `json:"weekday" db:"weekday"`
	HourOfDay      int    `json:"hour_of_day" db:"hour_of_day"`
	OpexWeek       bool   `json:"opex_week" db:"opex_week"`
	DaysToEarnings *int   `json:"days_to_earnings,omitempty" db:"days_to_earnings"`
	MarketEvent    string `json:"market_event,omitempty" db:"market_event"`

	Status    string     `json:"status" db:"status"` // "open" or "closed"
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// FactorReadingRow is the durable copy of a factor reading. The KV latest
// key stays authoritative for computation; this table is the audit trail.
type FactorReadingRow struct {
	ID        int64                  `json:"id" db:"id"`
	FactorID  string                 `json:"factor_id" db:"factor_id"`
	Score     float64                `json:"score" db:"score"`
	Signal    string                 `json:"signal" db:"signal"`
	Source    string                 `json:"source" db:"source"`
	Detail    string                 `json:"detail" db:"detail"`
	Timestamp time.Time              `json:"timestamp" db:"ts"`
	RawData   map[string]interface{} `json:"raw_data,omitempty" db:"raw_data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// CompositeRow is one appended composite computation.
type CompositeRow struct {
	ID                 int64                  `json:"id" db:"id"`
	CompositeScore     float64                `json:"composite_score" db:"composite_score"`
	BiasLevel          string                 `json:"bias_level" db:"bias_level"`
	BiasNumeric        int                    `json:"bias_numeric" db:"bias_numeric"`
	Confidence         string                 `json:"confidence" db:"confidence"`
	ActiveCount        int                    `json:"active_count" db:"active_count"`
	StaleCount         int                    `json:"stale_count" db:"stale_count"`
	VelocityMultiplier float64                `json:"velocity_multiplier" db:"velocity_multiplier"`
	Payload            map[string]interface{} `json:"payload" db:"payload"`
	CreatedAt          time.Time              `json:"created_at" db:"created_at"`
}

// OutcomeRow records how a dispatched signal resolved.
type OutcomeRow struct {
	ID        int64     `json:"id" db:"id"`
	SignalID  string    `json:"signal_id" db:"signal_id"`
	Outcome   string    `json:"outcome" db:"outcome"` // T1_HIT, T2_HIT, STOPPED, EXPIRED
	ExitPrice float64   `json:"exit_price" db:"exit_price"`
	RMultiple float64   `json:"r_multiple" db:"r_multiple"`
	BarsHeld  int       `json:"bars_held" db:"bars_held"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// WatchlistTicker is a scanner target.
type WatchlistTicker struct {
	Symbol     string    `json:"symbol" db:"symbol"`
	SectorETF  string    `json:"sector_etf" db:"sector_etf"`
	AssetClass string    `json:"asset_class" db:"asset_class"` // "equity" or "crypto"
	Active     bool      `json:"active" db:"active"`
	AddedAt    time.Time `json:"added_at" db:"added_at"`
}

// PortfolioSnapshot is a point-in-time account summary used by the
// committee context assembler.
type PortfolioSnapshot struct {
	ID            int64                  `json:"id" db:"id"`
	Equity        float64                `json:"equity" db:"equity"`
	Cash          float64                `json:"cash" db:"cash"`
	OpenPositions int                    `json:"open_positions" db:"open_positions"`
	DailyPnL      float64                `json:"daily_pnl" db:"daily_pnl"`
	Detail        map[string]interface{} `json:"detail,omitempty" db:"detail"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
}

// StrategyHealth aggregates realized performance per signal type.
type StrategyHealth struct {
	SignalType string    `json:"signal_type" db:"signal_type"`
	Total      int       `json:"total" db:"total"`
	Wins       int       `json:"wins" db:"wins"`
	Losses     int       `json:"losses" db:"losses"`
	WinRate    float64   `json:"win_rate" db:"win_rate"`
	AvgR       float64   `json:"avg_r" db:"avg_r"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// HealthAlert is an operational alert raised by the heartbeat job.
type HealthAlert struct {
	ID        int64     `json:"id" db:"id"`
	Kind      string    `json:"kind" db:"kind"`
	Detail    string    `json:"detail" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SignalsRepo persists dispatched signals.
type SignalsRepo interface {
	Insert(ctx context.Context, sig SignalRow) error
	GetByID(ctx context.Context, signalID string) (*SignalRow, error)
	ListOpen(ctx context.Context) ([]SignalRow, error)
	ListRecent(ctx context.Context, limit int) ([]SignalRow, error)
	Close(ctx context.Context, signalID string, closedAt time.Time) error
}

// FactorsRepo is the durable factor reading audit trail.
type FactorsRepo interface {
	InsertReading(ctx context.Context, r FactorReadingRow) error
	ListHistory(ctx context.Context, factorID string, tr TimeRange, limit int) ([]FactorReadingRow, error)
}

// CompositeRepo is the append-only composite history.
type CompositeRepo interface {
	Insert(ctx context.Context, row CompositeRow) error
	Latest(ctx context.Context) (*CompositeRow, error)
	ListRange(ctx context.Context, tr TimeRange) ([]CompositeRow, error)
}

// OutcomesRepo records signal resolutions.
type OutcomesRepo interface {
	Insert(ctx context.Context, o OutcomeRow) error
	ListRecent(ctx context.Context, limit int) ([]OutcomeRow, error)
}

// WatchlistRepo provides scanner targets.
type WatchlistRepo interface {
	ListActive(ctx context.Context, assetClass string) ([]WatchlistTicker, error)
	Upsert(ctx context.Context, t WatchlistTicker) error
	Deactivate(ctx context.Context, symbol string) error
}

// HealthRepo covers portfolio snapshots, strategy health and alerts.
type HealthRepo interface {
	InsertPortfolioSnapshot(ctx context.Context, s PortfolioSnapshot) error
	LatestPortfolioSnapshot(ctx context.Context) (*PortfolioSnapshot, error)
	UpsertStrategyHealth(ctx context.Context, h StrategyHealth) error
	ListStrategyHealth(ctx context.Context) ([]StrategyHealth, error)
	InsertHealthAlert(ctx context.Context, a HealthAlert) error
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Signals   SignalsRepo
	Factors   FactorsRepo
	Composite CompositeRepo
	Outcomes  OutcomesRepo
	Watchlist WatchlistRepo
	Health    HealthRepo
}
