// Package clock provides a process-wide, lock-guarded view of wall-clock
// UTC and NTP synchronization status, refreshed on a fixed cadence by the
// supervisor and read without blocking by every other component.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is a snapshot of the clock's synchronization state. It is
// replaced atomically on every Refresh; readers get a copy and never hold
// a reference into Source's internals.
type Status struct {
	OffsetMS      *float64 // nil when unknown
	Synchronized  bool
	RefreshedAt   time.Time
	RefreshErrors uint64
}

// synchronizedThresholdMS is the |offset| below which we consider the
// process synchronized to the time authority.
const synchronizedThresholdMS = 100.0

// Querier is the injection point for the external time authority (§6.2).
// A real implementation shells out to a command like `chronyc tracking`;
// tests substitute a fake.
type Querier interface {
	Query(ctx context.Context) (offsetMS float64, err error)
}

// Source is the shared ClockSource. Zero value is not usable; construct
// with New.
type Source struct {
	mu     sync.Mutex
	status Status

	querier Querier
	log     zerolog.Logger
}

func New(querier Querier, log zerolog.Logger) *Source {
	return &Source{
		querier: querier,
		log:     log.With().Str("component", "clock").Logger(),
		status: Status{
			Synchronized: false,
		},
	}
}

// NowUTC is monotonic-preferred wall-clock seconds since epoch. It never
// blocks and never touches the external authority.
func (s *Source) NowUTC() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Status returns a copy of the last refreshed snapshot. Safe to call from
// any goroutine, including from inside another component's lock.
func (s *Source) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Refresh queries the external time authority and installs a new
// snapshot. It must only be called by the Supervisor's periodic tick —
// never from a packet-handling path, since the query can block.
func (s *Source) Refresh(ctx context.Context) {
	offsetMS, err := s.querier.Query(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.status.RefreshErrors++
		s.status.OffsetMS = nil
		s.status.Synchronized = false
		s.status.RefreshedAt = time.Now()
		s.log.Warn().Err(err).Msg("time authority refresh failed")
		return
	}

	off := offsetMS
	s.status = Status{
		OffsetMS:     &off,
		Synchronized: absf(off) < synchronizedThresholdMS,
		RefreshedAt:  time.Now(),
		// Preserve the running error counter across successful refreshes.
		RefreshErrors: s.status.RefreshErrors,
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
