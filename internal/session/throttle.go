package session

import "time"

// Broadcast periods derived from the worker loop.
const (
	ReadPeriod = time.Second / 20
	LogPeriod  = time.Second / 10
	InfoPeriod = time.Second
)

// Accumulator throttles a side channel of a loop that runs at an unknown
// rate. It fires once the accumulated time exceeds Period and then subtracts
// the period, so leftover time carries into the next window.
type Accumulator struct {
	Period time.Duration
	acc    time.Duration
}

// NewAccumulator returns an accumulator for period.
func NewAccumulator(period time.Duration) *Accumulator {
	return &Accumulator{Period: period}
}

// Tick reports whether the channel fires this iteration, then adds dt.
func (a *Accumulator) Tick(dt time.Duration) bool {
	fire := a.acc > a.Period
	if fire {
		a.acc -= a.Period
	}
	a.acc += dt
	return fire
}

// Pending returns the time accumulated so far.
func (a *Accumulator) Pending() time.Duration {
	return a.acc
}
