package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantfold/marketbias/internal/kv"
)

const (
	chartBaseURL  = "https://query1.finance.yahoo.com/v8/finance/chart"
	priceCacheTTL = 15 * time.Minute
	fetchAttempts = 3
)

// ChartProvider implements OHLCVProvider against the Yahoo chart API.
// Requests go through a rate limiter and a circuit breaker; daily bars
// are cached in KV under prices:{ticker}:{days}.
type ChartProvider struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	store      kv.Store
	log        zerolog.Logger
	baseURL    string
}

// NewChartProvider creates a chart provider with defaults suitable for
// the factor refresh cadence.
func NewChartProvider(store kv.Store, log zerolog.Logger) *ChartProvider {
	return &ChartProvider{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(500*time.Millisecond), 5),
		breaker:    newProviderBreaker("yahoo_chart"),
		store:      store,
		log:        log.With().Str("component", "chart_provider").Logger(),
		baseURL:    chartBaseURL,
	}
}

// chartResponse is the subset of the chart payload we consume.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				PreviousClose      float64 `json:"chartPreviousClose"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (p *ChartProvider) DailyBars(ctx context.Context, symbol string, days int) ([]Candle, error) {
	cacheKey := fmt.Sprintf("prices:%s:%d", symbol, days)
	if cached, found, _ := p.store.Get(ctx, cacheKey); found {
		var bars []Candle
		if err := json.Unmarshal(cached, &bars); err == nil {
			return bars, nil
		}
	}

	resp, err := p.fetchChart(ctx, symbol, fmt.Sprintf("%dd", days), "1d")
	if err != nil {
		return nil, err
	}

	bars, err := toCandles(resp)
	if err != nil {
		return nil, fmt.Errorf("chart %s: %w", symbol, err)
	}

	if buf, err := json.Marshal(bars); err == nil {
		if err := p.store.Set(ctx, cacheKey, buf, priceCacheTTL); err != nil {
			p.log.Warn().Err(err).Str("key", cacheKey).Msg("price cache write failed")
		}
	}
	return bars, nil
}

func (p *ChartProvider) Quote(ctx context.Context, symbol string) (*Quote, error) {
	resp, err := p.fetchChart(ctx, symbol, "2d", "1d")
	if err != nil {
		return nil, err
	}
	if len(resp.Chart.Result) == 0 {
		return nil, ErrNoData
	}
	meta := resp.Chart.Result[0].Meta
	if meta.RegularMarketPrice == 0 {
		return nil, ErrNoData
	}
	return &Quote{
		Symbol:    symbol,
		Last:      meta.RegularMarketPrice,
		PrevClose: meta.PreviousClose,
		Timestamp: time.Now().UTC(),
	}, nil
}

// fetchChart performs a rate-limited, breaker-guarded GET with retry and
// exponential backoff.
func (p *ChartProvider) fetchChart(ctx context.Context, symbol, rangeStr, interval string) (*chartResponse, error) {
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := p.breaker.Execute(func() (interface{}, error) {
			return p.doFetch(ctx, symbol, rangeStr, interval)
		})
		if err != nil {
			lastErr = err
			if err == gobreaker.ErrOpenState {
				return nil, fmt.Errorf("chart provider unavailable: %w", err)
			}
			continue
		}
		return result.(*chartResponse), nil
	}
	return nil, fmt.Errorf("chart fetch %s exhausted retries: %w", symbol, lastErr)
}

func (p *ChartProvider) doFetch(ctx context.Context, symbol, rangeStr, interval string) (*chartResponse, error) {
	u := fmt.Sprintf("%s/%s?range=%s&interval=%s", p.baseURL, url.PathEscape(symbol), rangeStr, interval)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "marketbias/1.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chart status %d for %s", resp.StatusCode, symbol)
	}

	var parsed chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("chart decode: %w", err)
	}
	if parsed.Chart.Error != nil {
		return nil, fmt.Errorf("chart error: %s", parsed.Chart.Error.Description)
	}
	return &parsed, nil
}

func toCandles(resp *chartResponse) ([]Candle, error) {
	if len(resp.Chart.Result) == 0 {
		return nil, ErrNoData
	}
	result := resp.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 || len(result.Timestamp) == 0 {
		return nil, ErrNoData
	}
	q := result.Indicators.Quote[0]

	bars := make([]Candle, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(q.Close) || q.Close[i] == 0 {
			continue
		}
		bars = append(bars, Candle{
			Timestamp: time.Unix(ts, 0).UTC(),
			Open:      q.Open[i],
			High:      q.High[i],
			Low:       q.Low[i],
			Close:     q.Close[i],
			Volume:    q.Volume[i],
		})
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}
