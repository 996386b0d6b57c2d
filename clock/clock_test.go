package clock

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	offsetMS float64
	err      error
}

func (f fakeQuerier) Query(ctx context.Context) (float64, error) {
	return f.offsetMS, f.err
}

func TestRefreshSynchronized(t *testing.T) {
	src := New(fakeQuerier{offsetMS: 5}, zerolog.Nop())
	src.Refresh(context.Background())

	st := src.Status()
	require.True(t, st.Synchronized)
	require.NotNil(t, st.OffsetMS)
	require.Equal(t, 5.0, *st.OffsetMS)
}

func TestRefreshOutOfTolerance(t *testing.T) {
	src := New(fakeQuerier{offsetMS: 250}, zerolog.Nop())
	src.Refresh(context.Background())

	st := src.Status()
	require.False(t, st.Synchronized)
}

func TestRefreshFailureDegrades(t *testing.T) {
	src := New(fakeQuerier{offsetMS: 5}, zerolog.Nop())
	src.Refresh(context.Background())
	require.True(t, src.Status().Synchronized)

	src.querier = fakeQuerier{err: errors.New("boom")}
	src.Refresh(context.Background())

	st := src.Status()
	require.False(t, st.Synchronized)
	require.Nil(t, st.OffsetMS)
	require.Equal(t, uint64(1), st.RefreshErrors)
}

func TestParseChronyTrackingOffset(t *testing.T) {
	out := []byte("Reference ID    : 7F7F0101 ()\n" +
		"Stratum         : 10\n" +
		"System time     : 0.000021300 seconds fast of NTP time\n" +
		"Leap status     : Normal\n")

	sec, err := parseChronyTrackingOffset(out)
	require.NoError(t, err)
	require.InDelta(t, 0.0000213, sec, 1e-9)
}
