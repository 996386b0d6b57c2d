// SPDX-License-Identifier: MPL-2.0

// Package supervisor runs the process-wide periodic tick: refreshing the
// shared ClockSource, polling each channel's liveness and flagging/flushing
// silent channels, and running startup-only session-boundary detection
// (§4.7).
package supervisor

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hfstation/tsrecorder/anchor"
	"github.com/hfstation/tsrecorder/archive"
	"github.com/hfstation/tsrecorder/channel"
	"github.com/hfstation/tsrecorder/clock"
)

// Cadences bundles the tick/threshold durations from config.Supervisor so
// this package doesn't need to import the config package directly.
type Cadences struct {
	TickInterval time.Duration
	SilenceWarn  time.Duration
	SilenceFlush time.Duration
}

type registration struct {
	name      string
	proc      *channel.Processor
	anchorMgr *anchor.Manager
}

// Supervisor owns the process-wide tick. It is not safe for concurrent use
// beyond Register (before Run) and Run itself.
type Supervisor struct {
	clock    *clock.Source
	cadences Cadences
	dataRoot string
	log      zerolog.Logger

	channels []registration
}

func New(clk *clock.Source, cadences Cadences, dataRoot string, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		clock:    clk,
		cadences: cadences,
		dataRoot: dataRoot,
		log:      log.With().Str("component", "supervisor").Logger(),
	}
}

// Register adds a channel to the supervisor's liveness/session-gap/anchor
// ticking. Must be called before RunStartupChecks/Run.
func (s *Supervisor) Register(name string, proc *channel.Processor, anchorMgr *anchor.Manager) {
	s.channels = append(s.channels, registration{name: name, proc: proc, anchorMgr: anchorMgr})
}

// RunStartupChecks performs the process-startup-only session-boundary
// detection of §4.7 item 3, for every registered channel.
func (s *Supervisor) RunStartupChecks() {
	now := s.clock.NowUTC()
	for _, r := range s.channels {
		gap, err := archive.DetectSessionGap(s.dataRoot, r.name, now)
		if err != nil {
			s.log.Warn().Err(err).Str("channel", r.name).Msg("session gap detection failed")
			continue
		}
		if gap == nil {
			continue
		}
		if err := archive.AppendSessionGap(s.dataRoot, r.name, *gap); err != nil {
			s.log.Warn().Err(err).Str("channel", r.name).Msg("writing session gap sidecar failed")
			continue
		}
		s.log.Info().Str("channel", r.name).Float64("gap_seconds", gap.GapSeconds).Msg("recorded session gap")
	}
}

// Run drives the periodic tick until ctx is cancelled: refresh the clock,
// then poll each channel's health and act on silence thresholds.
func (s *Supervisor) Run(ctx context.Context) {
	interval := s.cadences.TickInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	s.clock.Refresh(refreshCtx)
	cancel()

	now := time.Now()
	for _, r := range s.channels {
		r.anchorMgr.Tick(now)

		health := r.proc.Health()
		if health.SilenceDuration == 0 {
			continue
		}
		if health.SilenceDuration > s.cadences.SilenceFlush {
			s.log.Warn().Str("channel", r.name).Dur("silence", health.SilenceDuration).Msg("channel silent beyond grace period, flushing")
			if err := r.proc.Flush(); err != nil {
				s.log.Error().Err(err).Str("channel", r.name).Msg("flush on silence failed")
			}
			continue
		}
		if health.SilenceDuration > s.cadences.SilenceWarn {
			s.log.Warn().Str("channel", r.name).Dur("silence", health.SilenceDuration).Msg("channel silent")
		}
	}
}

// HealthLines renders one health line per channel: received, dropped,
// gaps_filled, and last_snap, which carries the anchor manager's state name
// only; snap confidence and age are not rendered. Run's tick does not call
// it, so the lines are produced only when a caller asks for them.
func (s *Supervisor) HealthLines() []string {
	lines := make([]string, 0, len(s.channels))
	for _, r := range s.channels {
		h := r.proc.Health()
		lines = append(lines, h.ChannelName+": "+
			"received="+strconv.FormatUint(h.PacketsReceived, 10)+" "+
			"dropped="+strconv.FormatUint(h.PacketsDropped, 10)+" "+
			"gaps_filled="+strconv.FormatUint(h.GapsFilled, 10)+" "+
			"last_snap="+h.LastSnapSource)
	}
	return lines
}
