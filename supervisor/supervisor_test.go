package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hfstation/tsrecorder/anchor"
	"github.com/hfstation/tsrecorder/archive"
	"github.com/hfstation/tsrecorder/channel"
	"github.com/hfstation/tsrecorder/clock"
	"github.com/hfstation/tsrecorder/rtpio"
)

type fakeQuerier struct {
	offsetMS float64
	err      error
}

func (f fakeQuerier) Query(ctx context.Context) (float64, error) { return f.offsetMS, f.err }

// fixedClock is a ClockStatusProvider whose NowUTC never advances, used to
// seal an archive file with a deliberately old end time so the real-time
// Supervisor observes a session gap on startup.
type fixedClock struct {
	now    float64
	status clock.Status
}

func (f fixedClock) NowUTC() float64    { return f.now }
func (f fixedClock) Status() clock.Status { return f.status }

func floatPtr(v float64) *float64 { return &v }

func TestRunStartupChecks_RecordsSessionGap(t *testing.T) {
	dir := t.TempDir()
	channelDir := filepath.Join(dir, "archives", "wwv10")
	require.NoError(t, os.MkdirAll(channelDir, 0o755))

	tenMinutesAgo := float64(time.Now().Add(-10*time.Minute).UnixNano()) / 1e9
	fixed := fixedClock{now: tenMinutesAgo, status: clock.Status{Synchronized: true, OffsetMS: floatPtr(1.0)}}

	w := archive.NewWriter("wwv10", 10e6, 16000, dir, fixed, zerolog.Nop())
	require.NoError(t, w.Append(rtpio.SampleBlock{
		FirstRTP:    0,
		Samples:     make([]rtpio.Sample, 16000*60),
		PacketCount: 1,
	}))
	require.NoError(t, w.Flush())

	clk := clock.New(fakeQuerier{offsetMS: 1.0}, zerolog.Nop())
	clk.Refresh(context.Background())

	spec := rtpio.ChannelSpec{SSRC: 1, SampleRate: 16000, Name: "wwv10"}
	anchorMgr := anchor.NewManager("wwv10", 16000, w, clk, zerolog.Nop())
	proc := channel.NewProcessor(spec, w, anchorMgr, zerolog.Nop())

	sup := New(clk, Cadences{TickInterval: time.Second, SilenceWarn: time.Minute, SilenceFlush: 5 * time.Minute}, dir, zerolog.Nop())
	sup.Register("wwv10", proc, anchorMgr)

	sup.RunStartupChecks()

	sidecar := filepath.Join(channelDir, "session_boundaries.jsonl")
	b, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	require.Contains(t, string(b), "previous_end_utc")
}

func TestHealthLines_FormatsCounters(t *testing.T) {
	dir := t.TempDir()
	clk := clock.New(fakeQuerier{offsetMS: 1.0}, zerolog.Nop())
	w := archive.NewWriter("wwv10", 10e6, 16000, dir, clk, zerolog.Nop())
	spec := rtpio.ChannelSpec{SSRC: 1, SampleRate: 16000, Name: "wwv10"}
	anchorMgr := anchor.NewManager("wwv10", 16000, w, clk, zerolog.Nop())
	proc := channel.NewProcessor(spec, w, anchorMgr, zerolog.Nop())

	sup := New(clk, Cadences{}, dir, zerolog.Nop())
	sup.Register("wwv10", proc, anchorMgr)

	lines := sup.HealthLines()
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "wwv10")
	require.Contains(t, lines[0], "received=0")
}
