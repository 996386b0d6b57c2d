// Package archive owns the per-channel minute accumulator and the
// self-describing compressed file format each sealed minute is written as
// (§6.3). It installs time_snap updates only at minute boundaries and
// never rewrites a sealed file.
package archive

import (
	"time"

	"github.com/hfstation/tsrecorder/clock"
)

// SnapSource grades how a TimeSnap's UTC anchor was derived.
type SnapSource int

const (
	WallClock SnapSource = iota
	NTP
	ToneStartup
	ToneVerified
)

func (s SnapSource) String() string {
	switch s {
	case WallClock:
		return "wall_clock"
	case NTP:
		return "ntp"
	case ToneStartup:
		return "tone_startup"
	case ToneVerified:
		return "tone_verified"
	default:
		return "unknown"
	}
}

// TimeSnap anchors RTP sample counts to UTC. Only one is ever embedded in
// a sealed file (invariant 4, §8).
type TimeSnap struct {
	RTPAnchor  uint32
	UTCAnchor  float64
	SampleRate uint32
	Source     SnapSource
	Confidence float64
	AcquiredAt time.Time
}

// UTCOf derives the UTC instant of RTP sample index k within a run that
// started at firstRTP, using this snap's anchor, via wrap-safe signed
// 32-bit subtraction (§6.3 reader formula).
func (s TimeSnap) UTCOf(firstRTP uint32, k uint32) float64 {
	delta := int64(int32(firstRTP-s.RTPAnchor)) + int64(k)
	return s.UTCAnchor + float64(delta)/float64(s.SampleRate)
}

// ClockStatusProvider is the explicit interface ArchiveWriter depends on
// for wall-clock/NTP reads, replacing any hidden call-through-closure —
// *clock.Source satisfies it.
type ClockStatusProvider interface {
	NowUTC() float64
	Status() clock.Status
}

// File is the immutable, fully materialized record of one sealed minute.
type File struct {
	SchemaVersion       uint32
	FirstRTP            uint32
	SampleRate          uint32
	IQ                  []complex64Pair
	GapMask             []byte
	GapsFilled          uint64
	PacketsReceived     uint64
	PacketsExpected     uint64
	Snap                TimeSnap
	NTPOffsetMS         *float64
	NTPWallClockAtClose float64
	ChannelName         string
	ChannelFrequencyHz  float64
}

// complex64Pair mirrors NumPy's interleaved-float32 complex64 layout
// (real, imaginary) rather than a Go complex64, so the on-disk bytes are
// exactly what numpy.frombuffer(..., dtype='<c8') expects. The writer fills
// it as Re = Q, Im = I, i.e. the sample Q + jI.
type complex64Pair struct {
	Re float32
	Im float32
}
