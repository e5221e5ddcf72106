package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/quantfold/marketbias/internal/market"
)

// JobStatus is the per-task observability record.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
}

// JobFunc is one scheduled task. A returned error is recorded, never
// fatal.
type JobFunc func(ctx context.Context) error

// Scheduler drives the periodic work on Eastern-time cron schedules. A
// missed tick does not queue; slow jobs skip their next tick instead of
// stacking.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu     sync.Mutex
	status map[string]*JobStatus

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New(log zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(market.EasternTime()),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		log:    log.With().Str("component", "scheduler").Logger(),
		status: make(map[string]*JobStatus),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job on a cron schedule (Eastern time).
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	s.status[name] = &JobStatus{Name: name, Schedule: spec}
	s.mu.Unlock()

	_, err := s.cron.AddFunc(spec, func() {
		s.run(name, fn)
	})
	return err
}

// AddGated registers a job that only runs when gate(now) admits the
// tick.
func (s *Scheduler) AddGated(name, spec string, gate func(time.Time) bool, fn JobFunc) error {
	return s.Add(name, spec, func(ctx context.Context) error {
		if !gate(time.Now()) {
			return nil
		}
		return fn(ctx)
	})
}

func (s *Scheduler) run(name string, fn JobFunc) {
	started := time.Now().UTC()
	err := fn(s.ctx)

	s.mu.Lock()
	st := s.status[name]
	st.LastRun = started
	st.Runs++
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	} else {
		st.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Str("job", name).Msg("scheduled job failed")
	} else {
		s.log.Debug().Str("job", name).Dur("took", time.Since(started)).Msg("scheduled job done")
	}
}

// Start begins dispatching ticks.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.status)).Msg("scheduler started")
}

// Stop cancels running jobs and waits for in-flight completions.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// Status returns a copy of all job records.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	return out
}

// MarketHoursGate admits ticks only while the regular session runs.
func MarketHoursGate(t time.Time) bool {
	return market.IsMarketOpen(t)
}

// ScannerGate implements the session-aware scan cadence: every tick in
// the first and last hour, half-hourly mid-session, paused after close.
// Pair it with a 15-minute schedule.
func ScannerGate(t time.Time) bool {
	et := t.In(market.EasternTime())
	switch market.SessionAt(t) {
	case market.SessionOpeningHour, market.SessionClosingHour:
		return true
	case market.SessionMidday:
		return et.Minute() < 15 || (et.Minute() >= 30 && et.Minute() < 45)
	default:
		return false
	}
}
