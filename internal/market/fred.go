package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const fredBaseURL = "https://api.stlouisfed.org/fred/series/observations"

// FREDProvider implements EconProvider against the FRED observations API.
type FREDProvider struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	apiKey     string
	log        zerolog.Logger
	baseURL    string
}

// NewFREDProvider creates a FRED provider. The API key comes from
// configuration; an empty key makes every fetch fail fast, which
// degrades snapshot-backed factors to their cached fallbacks.
func NewFREDProvider(apiKey string, log zerolog.Logger) *FREDProvider {
	return &FREDProvider{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 2),
		breaker:    newProviderBreaker("fred"),
		apiKey:     apiKey,
		log:        log.With().Str("component", "fred_provider").Logger(),
		baseURL:    fredBaseURL,
	}
}

type fredResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

func (p *FREDProvider) Series(ctx context.Context, seriesID string, limit int) ([]EconPoint, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("fred api key not configured")
	}

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
			return p.doFetch(ctx, seriesID, limit)
		})
		if err != nil {
			lastErr = err
			if err == gobreaker.ErrOpenState {
				return nil, fmt.Errorf("fred provider unavailable: %w", err)
			}
			continue
		}
		return result.([]EconPoint), nil
	}
	return nil, fmt.Errorf("fred fetch %s exhausted retries: %w", seriesID, lastErr)
}

func (p *FREDProvider) doFetch(ctx context.Context, seriesID string, limit int) ([]EconPoint, error) {
	params := url.Values{}
	params.Set("series_id", seriesID)
	params.Set("api_key", p.apiKey)
	params.Set("file_type", "json")
	params.Set("sort_order", "desc")
	params.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fred status %d for %s", resp.StatusCode, seriesID)
	}

	var parsed fredResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("fred decode: %w", err)
	}
	if len(parsed.Observations) == 0 {
		return nil, ErrNoData
	}

	// API returns newest first; flip to oldest-first and drop missing
	// observations ("." placeholder).
	points := make([]EconPoint, 0, len(parsed.Observations))
	for i := len(parsed.Observations) - 1; i >= 0; i-- {
		obs := parsed.Observations[i]
		if obs.Value == "." {
			continue
		}
		v, err := strconv.ParseFloat(obs.Value, 64)
		if err != nil {
			continue
		}
		d, err := time.Parse("2006-01-02", obs.Date)
		if err != nil {
			continue
		}
		points = append(points, EconPoint{Date: d, Value: v})
	}
	if len(points) == 0 {
		return nil, ErrNoData
	}
	return points, nil
}
