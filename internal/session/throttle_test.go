package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccumulatorPreservesDrift(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator(ReadPeriod)
	var fired []bool
	for _, dt := range []time.Duration{30 * time.Millisecond, 30 * time.Millisecond, 30 * time.Millisecond} {
		fired = append(fired, acc.Tick(dt))
	}

	require.Equal(t, []bool{false, false, true}, fired)
	require.Equal(t, 40*time.Millisecond, acc.Pending())
}

func TestAccumulatorFireCounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		period time.Duration
		deltas []time.Duration
		fires  int
		left   time.Duration
	}{
		{
			name:   "exactly one period never fires",
			period: 100 * time.Millisecond,
			deltas: []time.Duration{50 * time.Millisecond, 50 * time.Millisecond, 0},
			fires:  0,
			left:   100 * time.Millisecond,
		},
		{
			name:   "large delta fires once per call",
			period: 100 * time.Millisecond,
			deltas: []time.Duration{350 * time.Millisecond, 0, 0, 0},
			fires:  3,
			left:   50 * time.Millisecond,
		},
		{
			name:   "one hertz info channel",
			period: InfoPeriod,
			deltas: []time.Duration{600 * time.Millisecond, 600 * time.Millisecond, 600 * time.Millisecond},
			fires:  1,
			left:   800 * time.Millisecond,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			acc := NewAccumulator(tc.period)
			fires := 0
			for _, dt := range tc.deltas {
				if acc.Tick(dt) {
					fires++
				}
			}
			require.Equal(t, tc.fires, fires)
			require.Equal(t, tc.left, acc.Pending())
		})
	}
}
