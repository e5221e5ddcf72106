package market

import (
	"context"
	"errors"
	"time"
)

// Candle is one daily OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Quote is a delayed last-trade snapshot with the prior session close,
// enough for the breaker verification conditions (SPY vs prior close,
// VIX level).
type Quote struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	PrevClose float64   `json:"prev_close"`
	Timestamp time.Time `json:"timestamp"`
}

// EconPoint is one observation of an economic series.
type EconPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// ErrNoData is returned when a provider answered successfully but the
// payload carried nothing usable.
var ErrNoData = errors.New("provider returned no data")

// OHLCVProvider fetches daily bars and quotes. Implementations are
// black-box fetchers; ingestors and the scanner depend on this seam so
// they can be tested against fakes.
type OHLCVProvider interface {
	// DailyBars returns up to `days` most recent daily bars, oldest first.
	DailyBars(ctx context.Context, symbol string, days int) ([]Candle, error)

	// Quote returns the latest price snapshot for a symbol.
	Quote(ctx context.Context, symbol string) (*Quote, error)
}

// EconProvider fetches economic series observations (FRED-shaped).
type EconProvider interface {
	// Series returns up to `limit` most recent observations, oldest first.
	Series(ctx context.Context, seriesID string, limit int) ([]EconPoint, error)
}
