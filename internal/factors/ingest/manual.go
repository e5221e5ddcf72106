package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfold/marketbias/internal/factors"
)

// savita scores the operator-maintained sell-side indicator: Wall Street
// strategists' average recommended equity allocation, read contrarian.
// Undetermined until an operator sets a value.
type savita struct {
	manual ManualValues
}

func (s *savita) ID() string { return "savita" }

func (s *savita) Compute(ctx context.Context) (*factors.Reading, error) {
	if s.manual.Savita == nil {
		return nil, nil
	}
	alloc := *s.manual.Savita
	if alloc < 0 || alloc > 100 {
		return nil, fmt.Errorf("savita: allocation out of range: %f", alloc)
	}

	score := bandScore(-alloc, []band{
		{Lo: -48, Score: 0.5}, // widespread pessimism, contrarian buy
		{Lo: -52, Score: 0.2},
		{Lo: -57, Score: 0.0},
		{Lo: -60, Score: -0.3},
	}, -0.6) // euphoria, contrarian sell

	r := factors.NewReading(s.ID(), score, factors.SourceManual,
		fmt.Sprintf("sell-side allocation %.1f%%", alloc), time.Now().UTC())
	r.WithMeta("timestamp_source", factors.TimestampSourceUpdatedAt)
	r.WithRaw("allocation", alloc)
	return &r, nil
}
