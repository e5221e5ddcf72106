package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/quantfold/marketbias/internal/bias"
	"github.com/quantfold/marketbias/internal/breaker"
	"github.com/quantfold/marketbias/internal/factors"
	"github.com/quantfold/marketbias/internal/factors/ingest"
	"github.com/quantfold/marketbias/internal/persistence"
)

// intakeSpec binds a webhook route to its KV key, retention and
// required payload fields.
type intakeSpec struct {
	key      string
	ttl      time.Duration
	required []string
}

var (
	ingestKeyTick       = intakeSpec{key: ingest.KeyTickCurrent, ttl: 2 * time.Hour, required: []string{"tick_high", "tick_low"}}
	ingestKeyUvolDvol   = intakeSpec{key: ingest.KeyUvolDvol, ttl: 4 * time.Hour, required: []string{"uvol", "dvol"}}
	ingestKeyMarketTide = intakeSpec{key: ingest.KeyMarketTide, ttl: 6 * time.Hour, required: []string{"net_call_premium", "net_put_premium"}}
	ingestKeyIVSkew     = intakeSpec{key: ingest.KeyIVSkew, ttl: 24 * time.Hour, required: []string{"skew"}}
)

const (
	flowTickerTTL = time.Hour
	pcrTTL        = 12 * time.Hour

	pivotAlertsKey    = "alerts:pivot:recent"
	pivotAlertsMaxLen = 50
	sectorStrengthKey = "watchlist:sector_strength:current"
	sectorStrengthTTL = 24 * time.Hour

	// EventPivotAlert announces a TradingView pivot alert relay.
	EventPivotAlert = "PIVOT_ALERT"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, extra map[string]interface{}) {
	body := map[string]interface{}{"status": "ok"}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"status": "error", "error": err.Error()})
}

func decodePayload(w http.ResponseWriter, r *http.Request) (map[string]interface{}, error) {
	var payload map[string]interface{}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return payload, nil
}

func watchlistRow(symbol, sectorETF, assetClass string) persistence.WatchlistTicker {
	return persistence.WatchlistTicker{
		Symbol:     symbol,
		SectorETF:  sectorETF,
		AssetClass: assetClass,
		Active:     true,
		AddedAt:    time.Now().UTC(),
	}
}

// intakeHandler is the generic webhook path: validate required fields,
// stamp, store, done. The matching ingestor reads the record on its
// next refresh tick.
func (s *Server) intakeHandler(spec intakeSpec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := decodePayload(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		for _, field := range spec.required {
			if _, ok := payload[field]; !ok {
				writeError(w, http.StatusBadRequest, fmt.Errorf("missing field %q", field))
				return
			}
		}
		if err := ingest.WriteWebhookRecord(r.Context(), s.deps.KV, spec.key, payload, spec.ttl); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeOK(w, nil)
	}
}

// handlePCR routes a put/call print to the CBOE or the aggregated
// per-contract slot depending on the declared source.
func (s *Server) handlePCR(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePayload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, ok := payload["pcr"]; !ok {
		writeError(w, http.StatusBadRequest, errors.New(`missing field "pcr"`))
		return
	}
	key := ingest.KeyPCRCurrent
	if src, _ := payload["source"].(string); src == "polygon" {
		key = ingest.KeyPolygonPCR
	}
	if err := ingest.WriteWebhookRecord(r.Context(), s.deps.KV, key, payload, pcrTTL); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, nil)
}

// handleFlow stores an options-flow summary under its ticker and
// appends it to the bounded recents list the committee reads.
func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePayload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ticker, _ := payload["ticker"].(string)
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		writeError(w, http.StatusBadRequest, errors.New(`missing field "ticker"`))
		return
	}

	ctx := r.Context()
	if err := ingest.WriteWebhookRecord(ctx, s.deps.KV, ingest.KeyFlowTicker+ticker, payload, flowTickerTTL); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.deps.KV.LPush(ctx, ingest.KeyFlowRecent, buf); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.deps.KV.LTrim(ctx, ingest.KeyFlowRecent, 0, ingest.FlowRecentMaxLen-1); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, map[string]interface{}{"ticker": ticker})
}

// handlePivotAlert relays a TradingView pivot alert onto the event bus
// and keeps a bounded trail for operators.
func (s *Server) handlePivotAlert(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePayload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	buf, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.deps.KV.LPush(ctx, pivotAlertsKey, buf); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.deps.KV.LTrim(ctx, pivotAlertsKey, 0, pivotAlertsMaxLen-1); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.deps.Hub != nil {
		s.deps.Hub.Notify(EventPivotAlert, payload)
	}
	writeOK(w, nil)
}

// handleSectorStrength stores the pushed sector ranking and, when the
// payload carries a ticker list, refreshes the scan watchlist.
func (s *Server) handleSectorStrength(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePayload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	if err := ingest.WriteWebhookRecord(ctx, s.deps.KV, sectorStrengthKey, payload, sectorStrengthTTL); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	upserted := 0
	if tickers, ok := payload["tickers"].([]interface{}); ok && s.deps.Watchlist != nil {
		for _, raw := range tickers {
			entry, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			symbol, _ := entry["symbol"].(string)
			symbol = strings.ToUpper(strings.TrimSpace(symbol))
			if symbol == "" {
				continue
			}
			sectorETF, _ := entry["sector_etf"].(string)
			assetClass, _ := entry["asset_class"].(string)
			if assetClass == "" {
				assetClass = "equity"
			}
			row := watchlistRow(symbol, strings.ToUpper(sectorETF), assetClass)
			if err := s.deps.Watchlist.Upsert(ctx, row); err != nil {
				s.log.Warn().Err(err).Str("symbol", symbol).Msg("watchlist upsert failed")
				continue
			}
			upserted++
		}
	}
	writeOK(w, map[string]interface{}{"upserted": upserted})
}

// handleManualFactor accepts a hand-entered factor reading, such as the
// monthly sell-side indicator print.
func (s *Server) handleManualFactor(w http.ResponseWriter, r *http.Request) {
	factorID := mux.Vars(r)["factor"]
	if _, ok := s.deps.Factors.Table()[factorID]; !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown factor: %s", factorID))
		return
	}

	var req struct {
		Score  float64 `json:"score"`
		Detail string  `json:"detail"`
		Source string  `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	if req.Score < -1.0 || req.Score > 1.0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("score %.2f outside [-1, 1]", req.Score))
		return
	}
	source := req.Source
	if source == "" {
		source = factors.SourceManual
	}

	reading := factors.NewReading(factorID, req.Score, source, req.Detail, time.Now().UTC())
	reading.WithMeta("timestamp_source", factors.TimestampSourceUpdatedAt)
	if err := s.deps.Factors.StoreReading(r.Context(), reading); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, map[string]interface{}{"factor_id": factorID, "signal": reading.Signal})
}

// handleBreakerTrigger installs a market-event trigger. Unknown
// triggers are a client error; a trigger absorbed by the no-downgrade
// guard still answers ok with applied=false.
func (s *Server) handleBreakerTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trigger string `json:"trigger"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	state, applied, err := s.deps.Breaker.Apply(r.Context(), req.Trigger)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, map[string]interface{}{"applied": applied, "state": state})
}

func (s *Server) handleAcceptReset(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Breaker.AcceptReset(r.Context())
	if err != nil {
		if errors.Is(err, breaker.ErrNoPendingReset) {
			writeJSON(w, http.StatusConflict, map[string]string{"status": "no_pending_reset"})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, map[string]interface{}{"state": state})
}

func (s *Server) handleRejectReset(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Breaker.RejectReset(r.Context())
	if err != nil {
		if errors.Is(err, breaker.ErrNoPendingReset) {
			writeJSON(w, http.StatusConflict, map[string]string{"status": "no_pending_reset"})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, map[string]interface{}{"state": state})
}

func (s *Server) handleBreakerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Breaker.Snapshot())
}

// handleComposite serves the cached composite; ?fresh=true forces a
// recompute through the short-cache debounce.
func (s *Server) handleComposite(w http.ResponseWriter, r *http.Request) {
	var (
		res *bias.Result
		err error
	)
	if r.URL.Query().Get("fresh") == "true" {
		res, err = s.deps.Bias.Compute(r.Context())
	} else {
		res, err = s.deps.Bias.Cached(r.Context())
		if err == nil && res == nil {
			res, err = s.deps.Bias.Compute(r.Context())
		}
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleFactorReadings lists the latest reading per configured factor.
// Factors with no reading yet appear with a null reading.
func (s *Server) handleFactorReadings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := make(map[string]*factors.Reading, len(s.deps.Factors.Table()))
	for id := range s.deps.Factors.Table() {
		reading, err := s.deps.Factors.GetLatest(ctx, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out[id] = reading
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSetOverride installs a manual bias override.
func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level         string `json:"level"`
		Reason        string `json:"reason"`
		SetBy         string `json:"set_by"`
		ExpiresInMins int    `json:"expires_in_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	level, err := bias.ParseLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	o := bias.Override{
		Level:  level,
		Reason: req.Reason,
		SetBy:  req.SetBy,
		SetAt:  time.Now().UTC(),
	}
	if req.ExpiresInMins > 0 {
		exp := o.SetAt.Add(time.Duration(req.ExpiresInMins) * time.Minute)
		o.ExpiresAt = &exp
	}
	if err := bias.SetOverride(r.Context(), s.deps.KV, o); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, map[string]interface{}{"override": o})
}

func (s *Server) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	if err := bias.ClearOverride(r.Context(), s.deps.KV); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleRecentSignals(w http.ResponseWriter, r *http.Request) {
	if s.deps.Signals == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("signal store disabled"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be in [1, 200]"))
			return
		}
		limit = n
	}
	rows, err := s.deps.Signals.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"signals": rows, "count": len(rows)})
}

func (s *Server) handleCommitteePacket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Committee == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("committee disabled"))
		return
	}
	signalID := mux.Vars(r)["signal_id"]
	packet, err := s.deps.Committee.Load(r.Context(), signalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if packet == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no packet for signal %s", signalID))
		return
	}
	writeJSON(w, http.StatusOK, packet)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("scheduler disabled"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.deps.Scheduler.Status()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"subscribers": 0,
	}
	if s.deps.Hub != nil {
		body["subscribers"] = s.deps.Hub.SubscriberCount()
	}
	if s.deps.Breaker != nil {
		st := s.deps.Breaker.Snapshot()
		body["circuit_breaker_active"] = st.Active
	}
	writeJSON(w, http.StatusOK, body)
}
