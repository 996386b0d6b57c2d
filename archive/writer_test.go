package archive

import (
	"os"
	"testing"

	"github.com/hfstation/tsrecorder/clock"
	"github.com/hfstation/tsrecorder/rtpio"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now    float64
	status clock.Status
}

func (f *fakeClock) NowUTC() float64     { return f.now }
func (f *fakeClock) Status() clock.Status { return f.status }

func newTestWriter(t *testing.T, sampleRate uint32, clk ClockStatusProvider) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	w := NewWriter("carrier-10000", 10000.0, sampleRate, dir, clk, zerolog.Nop())
	return w, dir
}

func fullRateBlock(firstRTP uint32, n int, gap bool) rtpio.SampleBlock {
	samples := make([]rtpio.Sample, n)
	for i := range samples {
		samples[i] = rtpio.Sample{I: 0.1, Q: 0.2}
	}
	return rtpio.SampleBlock{FirstRTP: firstRTP, Samples: samples, Gap: gap, PacketCount: uint64(n)}
}

// S1: a full minute with no loss seals with gaps_filled=0 and the full
// nominal sample count.
func TestWriter_NoLossSeal(t *testing.T) {
	sampleRate := uint32(8000)
	clk := &fakeClock{now: 1000.0, status: clock.Status{Synchronized: true, OffsetMS: floatPtr(1.0)}}
	w, dir := newTestWriter(t, sampleRate, clk)

	n := int(sampleRate) * 60
	require.NoError(t, w.Append(fullRateBlock(1000, n, false)))
	require.NoError(t, w.Flush())

	hdr, ok, err := LatestSealedHeader(dir, "carrier-10000")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(1000), hdr.FirstRTP)

	f, err := readSealedFile(dir, "carrier-10000")
	require.NoError(t, err)
	require.Equal(t, uint64(0), f.GapsFilled)
	require.Len(t, f.IQ, n)
	require.Equal(t, uint64(n), f.PacketsReceived)
}

// S3: a single lost packet (320 samples, one 20ms packet at 16kHz, starting
// at sample 480000) is silence-filled and accounted for in gaps_filled and
// gap_mask, while surrounding samples are untouched.
func TestWriter_SingleLostPacketGap(t *testing.T) {
	sampleRate := uint32(16000)
	clk := &fakeClock{now: 1000.0, status: clock.Status{Synchronized: true, OffsetMS: floatPtr(1.0)}}
	w, dir := newTestWriter(t, sampleRate, clk)

	n := int(sampleRate) * 60
	const gapStart = 480000
	const gapLen = 320

	require.NoError(t, w.Append(fullRateBlock(1000, gapStart, false)))
	require.NoError(t, w.Append(rtpio.SampleBlock{
		FirstRTP:    1000 + gapStart,
		Samples:     make([]rtpio.Sample, gapLen),
		Gap:         true,
		PacketCount: 1,
	}))
	require.NoError(t, w.Append(fullRateBlock(uint32(1000+gapStart+gapLen), n-gapStart-gapLen, false)))
	require.NoError(t, w.Flush())

	f, err := readSealedFile(dir, "carrier-10000")
	require.NoError(t, err)
	require.Equal(t, uint64(gapLen), f.GapsFilled)
	for i := gapStart; i < gapStart+gapLen; i++ {
		require.Equal(t, byte(1), f.GapMask[i], "index %d should be marked gap", i)
	}
	require.Equal(t, byte(0), f.GapMask[gapStart-1])
	require.Equal(t, byte(0), f.GapMask[gapStart+gapLen])
}

// S5: a tone-verified anchor scheduled mid-minute is not installed until
// the next seal — the minute in progress keeps its original snap.
func TestWriter_AnchorInstalledOnlyAtBoundary(t *testing.T) {
	sampleRate := uint32(8000)
	clk := &fakeClock{now: 1000.0, status: clock.Status{Synchronized: false}}
	w, dir := newTestWriter(t, sampleRate, clk)

	n := int(sampleRate) * 60
	require.NoError(t, w.Append(fullRateBlock(1000, n/2, false)))

	w.ScheduleAnchor(TimeSnap{
		RTPAnchor:  1000,
		UTCAnchor:  2000.0,
		SampleRate: sampleRate,
		Source:     ToneVerified,
		Confidence: 1.0,
	})

	require.NoError(t, w.Append(fullRateBlock(uint32(1000+n/2), n-n/2, false)))
	require.NoError(t, w.Flush())

	first, err := readSealedFile(dir, "carrier-10000")
	require.NoError(t, err)
	require.Equal(t, WallClock, first.Snap.Source)

	require.NoError(t, w.Append(fullRateBlock(uint32(1000+n), n, false)))
	require.NoError(t, w.Flush())

	second, err := readLatestSealedFile(dir, "carrier-10000")
	require.NoError(t, err)
	require.Equal(t, ToneVerified, second.Snap.Source)
}

// Invariant 7: calling Flush twice with nothing appended between the
// calls is a no-op the second time.
func TestWriter_IdempotentFlush(t *testing.T) {
	sampleRate := uint32(8000)
	clk := &fakeClock{now: 1000.0, status: clock.Status{Synchronized: true, OffsetMS: floatPtr(0.5)}}
	w, dir := newTestWriter(t, sampleRate, clk)

	require.NoError(t, w.Append(fullRateBlock(1000, 100, false)))
	require.NoError(t, w.Flush())

	entries, err := os.ReadDir(dirFor(dir, "carrier-10000"))
	require.NoError(t, err)
	countAfterFirst := len(entries)

	require.NoError(t, w.Flush())

	entries, err = os.ReadDir(dirFor(dir, "carrier-10000"))
	require.NoError(t, err)
	require.Equal(t, countAfterFirst, len(entries))
}

// Invariants 1/6: an RTP timestamp run that wraps past 2^32 is still
// accounted for via signed wrap-safe delta arithmetic rather than producing
// a spurious ErrDefect.
func TestWriter_HandlesRTPWrap(t *testing.T) {
	sampleRate := uint32(8000)
	clk := &fakeClock{now: 1000.0, status: clock.Status{Synchronized: true, OffsetMS: floatPtr(0.0)}}
	w, dir := newTestWriter(t, sampleRate, clk)

	n := int(sampleRate) * 60
	start := uint32(4294967296 - 100)
	require.NoError(t, w.Append(fullRateBlock(start, 100, false)))
	require.NoError(t, w.Append(fullRateBlock(uint32(int64(start)+100), n-100, false)))
	require.NoError(t, w.Flush())

	f, err := readSealedFile(dir, "carrier-10000")
	require.NoError(t, err)
	require.Len(t, f.IQ, n)
	_ = dir
}

func floatPtr(v float64) *float64 { return &v }

func dirFor(dataRoot, channel string) string {
	return dataRoot + "/archives/" + channel
}

func readSealedFile(dataRoot, channel string) (File, error) {
	entries, err := os.ReadDir(dirFor(dataRoot, channel))
	if err != nil {
		return File{}, err
	}
	var name string
	for _, e := range entries {
		if !e.IsDir() {
			name = e.Name()
			break
		}
	}
	f, err := os.Open(dirFor(dataRoot, channel) + "/" + name)
	if err != nil {
		return File{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return File{}, err
	}
	return ReadFrom(f, st.Size())
}

func readLatestSealedFile(dataRoot, channel string) (File, error) {
	entries, err := os.ReadDir(dirFor(dataRoot, channel))
	if err != nil {
		return File{}, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	last := names[0]
	for _, n := range names {
		if n > last {
			last = n
		}
	}
	f, err := os.Open(dirFor(dataRoot, channel) + "/" + last)
	if err != nil {
		return File{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return File{}, err
	}
	return ReadFrom(f, st.Size())
}
