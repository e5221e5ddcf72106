package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/quantfold/marketbias/internal/bias"
	"github.com/quantfold/marketbias/internal/breaker"
	"github.com/quantfold/marketbias/internal/committee"
	"github.com/quantfold/marketbias/internal/factors"
	"github.com/quantfold/marketbias/internal/kv"
	"github.com/quantfold/marketbias/internal/persistence"
	"github.com/quantfold/marketbias/internal/scheduler"
	"github.com/quantfold/marketbias/internal/stream"
)

// Config holds the HTTP listener settings.
type Config struct {
	Addr           string        `yaml:"addr"`
	BearerToken    string        `yaml:"bearer_token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BiasEngine is the composite surface the read API needs.
type BiasEngine interface {
	Compute(ctx context.Context) (*bias.Result, error)
	Cached(ctx context.Context) (*bias.Result, error)
}

// Deps wires the server to the rest of the system. Signals, Watchlist
// and Committee may be nil when their backing store is disabled; the
// affected routes answer 503.
type Deps struct {
	KV        kv.Store
	Factors   *factors.Store
	Bias      BiasEngine
	Breaker   *breaker.Manager
	Scheduler *scheduler.Scheduler
	Hub       *stream.Hub
	Signals   persistence.SignalsRepo
	Watchlist persistence.WatchlistRepo
	Committee *committee.Assembler
	Metrics   *Metrics
}

// Server is the webhook intake and read API surface.
type Server struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	srv  *http.Server
}

// NewServer builds the server and its route table.
func NewServer(cfg Config, deps Deps, log zerolog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.With().Str("component", "http").Logger(),
	}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Router assembles the route table. Exposed separately so tests can
// drive handlers through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	// Unauthenticated operational endpoints.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)

	// Webhook intake.
	wh := r.PathPrefix("/webhook").Subrouter()
	wh.Use(s.authMiddleware)
	wh.HandleFunc("/circuit_breaker", s.handleBreakerTrigger).Methods(http.MethodPost)
	wh.HandleFunc("/circuit_breaker/accept_reset", s.handleAcceptReset).Methods(http.MethodPost)
	wh.HandleFunc("/circuit_breaker/reject_reset", s.handleRejectReset).Methods(http.MethodPost)
	wh.HandleFunc("/tick", s.intakeHandler(ingestKeyTick)).Methods(http.MethodPost)
	wh.HandleFunc("/breadth/uvol_dvol", s.intakeHandler(ingestKeyUvolDvol)).Methods(http.MethodPost)
	wh.HandleFunc("/pcr", s.handlePCR).Methods(http.MethodPost)
	wh.HandleFunc("/uw/market_tide", s.intakeHandler(ingestKeyMarketTide)).Methods(http.MethodPost)
	wh.HandleFunc("/uw/iv_skew", s.intakeHandler(ingestKeyIVSkew)).Methods(http.MethodPost)
	wh.HandleFunc("/uw/flow", s.handleFlow).Methods(http.MethodPost)
	wh.HandleFunc("/alerts/pivot", s.handlePivotAlert).Methods(http.MethodPost)
	wh.HandleFunc("/watchlist/sector-strength", s.handleSectorStrength).Methods(http.MethodPost)
	wh.HandleFunc("/bias/factors/{factor}", s.handleManualFactor).Methods(http.MethodPost)

	// Read API plus the operator override controls.
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/bias/composite", s.handleComposite).Methods(http.MethodGet)
	api.HandleFunc("/bias/factors", s.handleFactorReadings).Methods(http.MethodGet)
	api.HandleFunc("/bias/override", s.handleSetOverride).Methods(http.MethodPost)
	api.HandleFunc("/bias/override", s.handleClearOverride).Methods(http.MethodDelete)
	api.HandleFunc("/circuit_breaker", s.handleBreakerState).Methods(http.MethodGet)
	api.HandleFunc("/signals/recent", s.handleRecentSignals).Methods(http.MethodGet)
	api.HandleFunc("/committee/{signal_id}", s.handleCommitteePacket).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/status", s.handleSchedulerStatus).Methods(http.MethodGet)

	// Event stream. Browsers cannot set Authorization on a websocket
	// upgrade, so the token rides a query parameter here.
	r.HandleFunc("/ws", s.wsAuth(stream.WSHandler(s.deps.Hub, s.log))).Methods(http.MethodGet)

	return r
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// instrument adds request-id, timeout, logging and metrics. Registered
// on the router itself so the matched route template is available: the
// metric label stays {factor}-shaped instead of one series per path.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Websocket upgrades must not run under a timeout context.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		took := time.Since(started)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.deps.Metrics.observe(route, r.Method, rec.status, took)
		s.log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", took).
			Msg("request")
	})
}

// authMiddleware enforces the shared bearer token. An empty configured
// token disables auth (local development).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r.Header.Get("Authorization")) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"status": "error",
				"error":  "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) wsAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.BearerToken != "" && r.URL.Query().Get("token") != s.cfg.BearerToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"status": "error",
				"error":  "unauthorized",
			})
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(header string) bool {
	if s.cfg.BearerToken == "" {
		return true
	}
	const prefix = "Bearer "
	return strings.HasPrefix(header, prefix) && header[len(prefix):] == s.cfg.BearerToken
}
