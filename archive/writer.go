// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hfstation/tsrecorder/rtpio"
	"github.com/rs/zerolog"
)

// ErrDefect is returned when an append would place samples before the
// current minute's first_rtp; the offending block is rejected and nothing
// of it is written. It does not stop the process: ChannelProcessor wraps it
// into PushPacket's error, and the Ingestor logs that error and goes on.
var ErrDefect = errors.New("archive: invariant violation")

// FileExtension is the on-disk suffix for the container format (§6.3).
const FileExtension = "tsiq"

// Writer accumulates one channel's current UTC minute and seals it to disk
// at each boundary. All exported methods take the writer's own lock; a
// Writer is otherwise meant to be driven exclusively by its owning
// ChannelProcessor under that processor's single lock (§9: one lock per
// ChannelProcessor covering everything it owns).
type Writer struct {
	mu sync.Mutex

	channelName string
	frequencyHz float64
	sampleRate  uint32
	dataRoot    string

	clock ClockStatusProvider
	log   zerolog.Logger

	started          bool
	dirty            bool
	currentMinuteUTC float64
	firstRTP         uint32
	coverageCursor   uint32 // next position in the current minute not yet written
	samples          []complex64Pair
	gapMask          []byte
	gapsFilled       uint64
	packetsReceived  uint64
	packetsExpected  uint64

	activeSnap  TimeSnap
	pendingSnap *TimeSnap
}

func NewWriter(channelName string, frequencyHz float64, sampleRate uint32, dataRoot string, clk ClockStatusProvider, log zerolog.Logger) *Writer {
	return &Writer{
		channelName: channelName,
		frequencyHz: frequencyHz,
		sampleRate:  sampleRate,
		dataRoot:    dataRoot,
		clock:       clk,
		log:         log.With().Str("component", "archive").Str("channel", channelName).Logger(),
	}
}

func (w *Writer) nominalCount() uint32 {
	return w.sampleRate * 60
}

func floorToMinute(utc float64) float64 {
	return math.Floor(utc/60) * 60
}

// computeInitialSnap implements §4.4's compute_initial_snap policy.
func computeInitialSnap(firstRTP uint32, sampleRate uint32, st ClockStatusProvider) TimeSnap {
	status := st.Status()
	utcAnchor := floorToMinute(st.NowUTC())
	if status.Synchronized {
		conf := 1.0
		if status.OffsetMS != nil {
			conf = 1.0 - absf(*status.OffsetMS)/100.0
			if conf < 0 {
				conf = 0
			}
			if conf > 1 {
				conf = 1
			}
		}
		return TimeSnap{
			RTPAnchor:  firstRTP,
			UTCAnchor:  utcAnchor,
			SampleRate: sampleRate,
			Source:     NTP,
			Confidence: conf,
			AcquiredAt: time.Now(),
		}
	}
	return TimeSnap{
		RTPAnchor:  firstRTP,
		UTCAnchor:  utcAnchor,
		SampleRate: sampleRate,
		Source:     WallClock,
		Confidence: 0,
		AcquiredAt: time.Now(),
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Append places block's samples into the current minute, sealing and
// opening new minutes as needed when the block straddles a boundary.
func (w *Writer) Append(block rtpio.SampleBlock) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		w.openRun(block.FirstRTP)
	}

	return w.appendLocked(block)
}

// Restart forces the next Append to open a fresh run rooted at that call's
// own block.FirstRTP, with a freshly computed initial snap. Used by the
// owning ChannelProcessor on a source restart (§4.2/§4.3): the in-progress
// minute must already be sealed via Flush before calling this.
func (w *Writer) Restart() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = false
}

func (w *Writer) openRun(firstRTP uint32) {
	w.firstRTP = firstRTP
	w.currentMinuteUTC = floorToMinute(w.clock.NowUTC())
	w.activeSnap = computeInitialSnap(firstRTP, w.sampleRate, w.clock)
	w.allocateLocked()
	w.started = true
}

func (w *Writer) allocateLocked() {
	n := w.nominalCount()
	w.samples = make([]complex64Pair, n)
	w.gapMask = make([]byte, n)
	w.gapsFilled = 0
	w.packetsReceived = 0
	w.packetsExpected = 0
	w.coverageCursor = 0
	w.dirty = false
}

func (w *Writer) appendLocked(block rtpio.SampleBlock) error {
	pos := rtpio.RTPDelta(block.FirstRTP, w.firstRTP)
	if pos < 0 {
		return fmt.Errorf("%w: sample at rtp=%d precedes first_rtp_of_minute=%d", ErrDefect, block.FirstRTP, w.firstRTP)
	}

	nominal := int64(w.nominalCount())
	remaining := block.Samples
	offset := pos

	for len(remaining) > 0 {
		space := nominal - offset
		if space < 0 {
			space = 0
		}
		n := int64(len(remaining))
		if n > space {
			n = space
		}

		for i := int64(0); i < n; i++ {
			s := remaining[i]
			idx := offset + i
			w.samples[idx] = complex64Pair{Re: s.Q, Im: s.I}
			if block.Gap {
				w.gapMask[idx] = 1
			}
		}
		if block.Gap {
			w.gapsFilled += uint64(n)
		}
		w.dirty = w.dirty || n > 0

		remaining = remaining[n:]
		offset += n
		if uint32(offset) > w.coverageCursor {
			w.coverageCursor = uint32(offset)
		}

		if len(remaining) > 0 {
			// The block straddles the minute boundary: seal what we have
			// and open the next minute before writing the tail.
			if err := w.sealLocked(); err != nil {
				return err
			}
			offset = 0
		}
	}

	w.packetsExpected += block.PacketCount
	if !block.Gap {
		w.packetsReceived += block.PacketCount
	}

	return nil
}

// ScheduleAnchor places a candidate snap to be installed at the next
// boundary, overwriting any earlier pending snap — latest wins, never
// installed mid-file.
func (w *Writer) ScheduleAnchor(snap TimeSnap) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pendingSnap = &snap
}

// Flush seals the current minute even if partial, padding the trailing
// samples with silence. Calling it twice in a row with nothing appended in
// between is a no-op the second time (invariant 7: idempotent sealing).
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started || !w.dirty {
		return nil
	}
	return w.sealLocked()
}

// sealLocked implements the five-step sealing algorithm of §4.4. Caller
// holds w.mu.
func (w *Writer) sealLocked() error {
	n := w.nominalCount()
	// Pad every position from the coverage cursor to the end of the
	// buffer with silence — these are samples a partial flush (or a
	// source restart tail) never received.
	if w.coverageCursor < n {
		for i := w.coverageCursor; i < n; i++ {
			w.gapMask[i] = 1
		}
		w.gapsFilled += uint64(n - w.coverageCursor)
	}

	status := w.clock.Status()
	file := File{
		SchemaVersion:       schemaVersion1,
		FirstRTP:            w.firstRTP,
		SampleRate:          w.sampleRate,
		IQ:                  w.samples,
		GapMask:             w.gapMask,
		GapsFilled:          w.gapsFilled,
		PacketsReceived:     w.packetsReceived,
		PacketsExpected:     w.packetsExpected,
		Snap:                w.activeSnap,
		NTPOffsetMS:         status.OffsetMS,
		NTPWallClockAtClose: w.clock.NowUTC(),
		ChannelName:         w.channelName,
		ChannelFrequencyHz:  w.frequencyHz,
	}

	if err := w.writeAtomic(file); err != nil {
		return fmt.Errorf("archive: sealing %s minute %v: %w", w.channelName, time.Unix(int64(w.currentMinuteUTC), 0).UTC(), err)
	}

	w.currentMinuteUTC += 60
	if w.pendingSnap != nil {
		w.activeSnap = *w.pendingSnap
		w.pendingSnap = nil
	}

	w.firstRTP = w.firstRTP + n
	w.allocateLocked()

	return nil
}

func (w *Writer) writeAtomic(file File) error {
	dir := filepath.Join(w.dataRoot, "archives", w.channelName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	name := fmt.Sprintf("%s_%s.%s", w.channelName, time.Unix(int64(w.currentMinuteUTC), 0).UTC().Format("20060102T150405Z"), FileExtension)
	final := filepath.Join(dir, name)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if err := WriteTo(f, file); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}

	w.log.Info().Str("file", final).Uint64("gaps_filled", file.GapsFilled).
		Uint64("packets_received", file.PacketsReceived).Msg("sealed archive")
	return nil
}
