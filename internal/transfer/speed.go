package transfer

import "time"

// speedSmoothing is the weight of the newest sample.
const speedSmoothing = 0.3

// speedometer estimates a transfer rate as an exponentially weighted moving
// average of the rate observed between consecutive progress ticks, so stalls
// pull the estimate down quickly.
type speedometer struct {
	last  time.Time
	bytes int64
	rate  float64
}

// observe records that n bytes were transferred in total at now and returns
// the updated estimate in bytes per second.
func (s *speedometer) observe(now time.Time, n int64) float64 {
	if s.last.IsZero() {
		s.last = now
		s.bytes = n

		return s.rate
	}

	elapsed := now.Sub(s.last).Seconds()
	if elapsed <= 0 {
		return s.rate
	}

	sample := float64(n-s.bytes) / elapsed
	if sample < 0 {
		sample = 0
	}

	if s.rate == 0 {
		s.rate = sample
	} else {
		s.rate = speedSmoothing*sample + (1-speedSmoothing)*s.rate
	}

	s.last = now
	s.bytes = n

	return s.rate
}
