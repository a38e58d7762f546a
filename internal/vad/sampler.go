package vad

import "time"

// Sampler delivers silence-check ticks at a fixed interval
type Sampler struct {
	ticker   *time.Ticker
	interval time.Duration
}

// NewSampler starts a sampler. Non-positive intervals fall back to 60 Hz.
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &Sampler{
		ticker:   time.NewTicker(interval),
		interval: interval,
	}
}

// C returns the tick channel
func (s *Sampler) C() <-chan time.Time {
	return s.ticker.C
}

// Interval returns the tick interval
func (s *Sampler) Interval() time.Duration {
	return s.interval
}

// Stop releases the underlying ticker
func (s *Sampler) Stop() {
	s.ticker.Stop()
}
