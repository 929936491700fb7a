package worker

import (
	"context"
	"time"
)

// GaugeSampler periodically invokes a sampling callback, typically to copy
// queue depths and table sizes into Prometheus gauges.
type GaugeSampler struct {
	every  time.Duration
	sample func()
}

// NewGaugeSampler creates a sampler that calls sample on the given interval.
func NewGaugeSampler(every time.Duration, sample func()) *GaugeSampler {
	if every <= 0 {
		every = 15 * time.Second
	}
	return &GaugeSampler{every: every, sample: sample}
}

// Name returns the worker identifier.
func (s *GaugeSampler) Name() string { return "gauge_sampler" }

// Run samples until ctx is cancelled, taking one final sample on exit.
func (s *GaugeSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-ctx.Done():
			s.sample()
			return nil
		}
	}
}
