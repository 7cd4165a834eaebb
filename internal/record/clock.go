package record

import "time"

// Clock yields timestamps in microseconds since an arbitrary fixed epoch.
type Clock interface {
	Micros() uint64
}

// MonotonicClock reads the process monotonic clock. Wall-clock steps do
// not affect it.
type MonotonicClock struct {
	epoch time.Time
}

// NewMonotonicClock returns a clock whose epoch is the moment of the call.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{epoch: time.Now()}
}

func (c *MonotonicClock) Micros() uint64 {
	d := time.Since(c.epoch)
	if d < 0 {
		return 0
	}
	return uint64(d / time.Microsecond)
}
