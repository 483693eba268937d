package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pool hands out one token bucket per key. A pool built with (10, 10s)
// admits a burst of ten and refills one token per second.
type Pool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	limit rate.Limit
	burst int
}

func NewPool(events int, per time.Duration) *Pool {
	if events <= 0 {
		events = 1
	}
	if per <= 0 {
		per = time.Second
	}
	return &Pool{
		m:     make(map[string]*rate.Limiter),
		limit: rate.Every(per / time.Duration(events)),
		burst: events,
	}
}

func (p *Pool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(p.limit, p.burst)
	p.m[key] = l
	return l
}

func (p *Pool) Allow(key string) bool {
	return p.get(key).Allow()
}

// AllowAt is Allow with an explicit clock, for tests.
func (p *Pool) AllowAt(key string, t time.Time) bool {
	return p.get(key).AllowN(t, 1)
}
