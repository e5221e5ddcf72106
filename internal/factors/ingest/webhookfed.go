package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantfold/marketbias/internal/factors"
	"github.com/quantfold/marketbias/internal/kv"
)

// KV keys shared between the webhook intake handlers (writers) and the
// webhook-fed ingestors (readers).
const (
	KeyTickCurrent   = "tick:current"
	KeyUvolDvol      = "breadth:uvol_dvol:current"
	KeyPCRCurrent    = "pcr:current"
	KeyPolygonPCR    = "pcr:polygon:current"
	KeyMarketTide    = "uw:market_tide:current"
	KeyIVSkew        = "iv_skew:current"
	KeyFlowTicker    = "uw:flow:"       // + TICKER
	KeyFlowRecent    = "uw:flow:recent" // bounded list
	FlowRecentMaxLen = 100
)

// webhookRecord is the envelope intake handlers write: an arbitrary
// payload plus the receive time.
type webhookRecord struct {
	Payload    map[string]interface{} `json:"payload"`
	ReceivedAt time.Time              `json:"received_at"`
}

// WriteWebhookRecord stores an intake payload for its ingestor. Used by
// the HTTP handlers.
func WriteWebhookRecord(ctx context.Context, kvs kv.Store, key string, payload map[string]interface{}, ttl time.Duration) error {
	rec := webhookRecord{Payload: payload, ReceivedAt: time.Now().UTC()}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook record: %w", err)
	}
	return kvs.Set(ctx, key, buf, ttl)
}

func readWebhookRecord(ctx context.Context, kvs kv.Store, key string) (*webhookRecord, error) {
	buf, found, err := kvs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var rec webhookRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		return nil, fmt.Errorf("corrupt webhook record %s: %w", key, err)
	}
	return &rec, nil
}

func num(payload map[string]interface{}, key string) (float64, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// stampFromRecord derives the source timestamp: the receive time when
// present, otherwise wall clock tagged as fabricated.
func stampFromRecord(rec *webhookRecord, r *factors.Reading) {
	if !rec.ReceivedAt.IsZero() {
		r.Timestamp = rec.ReceivedAt
		r.WithMeta("timestamp_source", factors.TimestampSourceReceivedAt)
		return
	}
	r.Timestamp = time.Now().UTC()
	r.WithMeta("timestamp_source", factors.TimestampSourceFallback)
}

// tickBreadth scores NYSE TICK extremes pushed by the /tick webhook.
type tickBreadth struct {
	kv kv.Store
}

func (t *tickBreadth) ID() string { return "tick_breadth" }

func (t *tickBreadth) Compute(ctx context.Context) (*factors.Reading, error) {
	rec, err := readWebhookRecord(ctx, t.kv, KeyTickCurrent)
	if err != nil || rec == nil {
		return nil, err
	}

	high, okHigh := num(rec.Payload, "tick_high")
	low, okLow := num(rec.Payload, "tick_low")
	if !okHigh || !okLow {
		return nil, fmt.Errorf("tick_breadth: malformed payload")
	}
	avg, okAvg := num(rec.Payload, "tick_avg")
	if !okAvg {
		avg = (high + low) / 2
	}

	score := bandScore(avg, []band{
		{Lo: 400, Score: 0.7},
		{Lo: 100, Score: 0.3},
		{Lo: -100, Score: 0.0},
		{Lo: -400, Score: -0.3},
	}, -0.7)

	r := factors.NewReading(t.ID(), score, factors.SourceTradingView,
		fmt.Sprintf("TICK avg %+.0f (hi %+.0f / lo %+.0f)", avg, high, low), time.Time{})
	stampFromRecord(rec, &r)
	r.WithRaw("tick_high", high)
	r.WithRaw("tick_low", low)
	r.WithRaw("tick_avg", avg)
	return &r, nil
}

// breadthMomentum scores the up-volume/down-volume ratio pushed by the
// /breadth/uvol_dvol webhook.
type breadthMomentum struct {
	kv kv.Store
}

func (b *breadthMomentum) ID() string { return "breadth_momentum" }

func (b *breadthMomentum) Compute(ctx context.Context) (*factors.Reading, error) {
	rec, err := readWebhookRecord(ctx, b.kv, KeyUvolDvol)
	if err != nil || rec == nil {
		return nil, err
	}

	uvol, okU := num(rec.Payload, "uvol")
	dvol, okD := num(rec.Payload, "dvol")
	if !okU || !okD || dvol <= 0 || uvol < 0 {
		return nil, fmt.Errorf("breadth_momentum: malformed payload")
	}

	ratio := uvol / dvol
	var score float64
	switch {
	case ratio >= 9.0:
		score = 1.0 // 9:1 up day
	case ratio >= 4.0:
		score = 0.7
	case ratio >= 2.0:
		score = 0.4
	case ratio >= 0.5:
		score = 0.0
	case ratio >= 0.25:
		score = -0.4
	case ratio >= 1.0/9.0:
		score = -0.7
	default:
		score = -1.0 // 9:1 down day
	}

	r := factors.NewReading(b.ID(), score, factors.SourceTradingView,
		fmt.Sprintf("UVOL/DVOL %.2f", ratio), time.Time{})
	stampFromRecord(rec, &r)
	r.WithRaw("uvol", uvol)
	r.WithRaw("dvol", dvol)
	return &r, nil
}

// putCallRatio scores an equity put/call print. Two instances cover the
// CBOE webhook feed and the aggregated per-contract feed.
type putCallRatio struct {
	kv       kv.Store
	factorID string
	key      string
	source   string
}

func (p *putCallRatio) ID() string { return p.factorID }

func (p *putCallRatio) Compute(ctx context.Context) (*factors.Reading, error) {
	rec, err := readWebhookRecord(ctx, p.kv, p.key)
	if err != nil || rec == nil {
		return nil, err
	}

	pcr, ok := num(rec.Payload, "pcr")
	if !ok || pcr <= 0 {
		return nil, fmt.Errorf("%s: malformed payload", p.factorID)
	}

	score := bandScore(pcr, []band{
		{Lo: 1.30, Score: -0.6},
		{Lo: 1.10, Score: -0.3},
		{Lo: 0.90, Score: 0.0},
		{Lo: 0.70, Score: 0.2},
	}, 0.5)

	r := factors.NewReading(p.factorID, score, p.source,
		fmt.Sprintf("put/call %.2f", pcr), time.Time{})
	stampFromRecord(rec, &r)
	r.WithRaw("pcr", pcr)
	return &r, nil
}

// optionsSentiment scores the net premium flow ("market tide") pushed by
// the /uw/market_tide webhook.
type optionsSentiment struct {
	kv kv.Store
}

func (o *optionsSentiment) ID() string { return "options_sentiment" }

func (o *optionsSentiment) Compute(ctx context.Context) (*factors.Reading, error) {
	rec, err := readWebhookRecord(ctx, o.kv, KeyMarketTide)
	if err != nil || rec == nil {
		return nil, err
	}

	callPrem, okC := num(rec.Payload, "net_call_premium")
	putPrem, okP := num(rec.Payload, "net_put_premium")
	if !okC || !okP {
		return nil, fmt.Errorf("options_sentiment: malformed payload")
	}

	total := callPrem + putPrem
	var tilt float64
	if total != 0 {
		tilt = (callPrem - putPrem) / total
	}

	score := bandScore(tilt, []band{
		{Lo: 0.5, Score: 0.7},
		{Lo: 0.2, Score: 0.4},
		{Lo: -0.2, Score: 0.0},
		{Lo: -0.5, Score: -0.4},
	}, -0.7)

	r := factors.NewReading(o.ID(), score, factors.SourceUnusualWhales,
		fmt.Sprintf("premium tilt %+.2f", tilt), time.Time{})
	stampFromRecord(rec, &r)
	r.WithRaw("net_call_premium", callPrem)
	r.WithRaw("net_put_premium", putPrem)
	return &r, nil
}

// ivSkew scores the 25-delta put/call IV skew: a steep put skew marks
// hedging demand.
type ivSkew struct {
	kv kv.Store
}

func (i *ivSkew) ID() string { return "iv_skew" }

func (i *ivSkew) Compute(ctx context.Context) (*factors.Reading, error) {
	rec, err := readWebhookRecord(ctx, i.kv, KeyIVSkew)
	if err != nil || rec == nil {
		return nil, err
	}

	skew, ok := num(rec.Payload, "skew")
	if !ok {
		return nil, fmt.Errorf("iv_skew: malformed payload")
	}

	score := bandScore(skew, []band{
		{Lo: 12.0, Score: -0.7},
		{Lo: 8.0, Score: -0.4},
		{Lo: 4.0, Score: 0.0},
		{Lo: 2.0, Score: 0.2},
	}, 0.4)

	r := factors.NewReading(i.ID(), score, factors.SourceUnusualWhales,
		fmt.Sprintf("25d skew %.1f", skew), time.Time{})
	stampFromRecord(rec, &r)
	r.WithRaw("skew", skew)
	return &r, nil
}
