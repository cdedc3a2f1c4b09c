package invoker

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimit caps calls to one service.
type RateLimit struct {
	RequestsPerSecond float64 `mapstructure:"rps" json:"rps"`
	Burst             int     `mapstructure:"burst" json:"burst"`
}

// serviceLimiter hands out one token bucket per configured service.
// Services without a configured limit are not throttled.
type serviceLimiter struct {
	mu       sync.Mutex
	limits   map[string]RateLimit
	limiters map[string]*rate.Limiter
}

func newServiceLimiter(limits map[string]RateLimit) *serviceLimiter {
	copied := make(map[string]RateLimit, len(limits))
	for svc, l := range limits {
		if l.RequestsPerSecond > 0 {
			copied[svc] = l
		}
	}
	return &serviceLimiter{
		limits:   copied,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *serviceLimiter) get(service string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.limiters[service]; ok {
		return l
	}
	cfg, ok := s.limits[service]
	if !ok {
		return nil
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	s.limiters[service] = l
	return l
}

// wait blocks until service may be called or ctx is done.
func (s *serviceLimiter) wait(ctx context.Context, service string) error {
	if s == nil {
		return nil
	}
	l := s.get(service)
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}
