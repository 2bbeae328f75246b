package logx

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Sampler throttles a repeating log line.
//
// Allow returns true at most once per interval (plus burst) and reports how
// many calls were suppressed since the last allowed one.
type Sampler struct {
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewSampler returns a sampler that lets one line through per every.
// every <= 0 disables sampling (always allow).
func NewSampler(every time.Duration, burst int) *Sampler {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}
	return &Sampler{lim: rate.NewLimiter(limit, burst)}
}

func (s *Sampler) Allow() (bool, uint64) {
	if s == nil {
		return true, 0
	}
	if !s.lim.Allow() {
		s.suppressed.Add(1)
		return false, 0
	}
	return true, s.suppressed.Swap(0)
}
