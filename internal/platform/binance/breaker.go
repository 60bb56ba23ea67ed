package binance

import (
	"sync"
	"time"

	"github.com/delquant/delphibot/internal/domain"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker is a consecutive-failure circuit breaker around the venue API.
// After threshold consecutive failures it opens and rejects calls with
// domain.ErrBreakerOpen until the cooldown elapses; the first call after
// the cooldown probes half-open, and its result decides whether the
// breaker closes again or re-opens.
type breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// allow reports whether a call may proceed. In the open state it returns
// domain.ErrBreakerOpen until the cooldown has elapsed, then admits a
// single half-open probe.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return domain.ErrBreakerOpen
		}
		b.state = breakerHalfOpen
		return nil
	case breakerHalfOpen:
		// One probe in flight at a time.
		return domain.ErrBreakerOpen
	default:
		return nil
	}
}

// record feeds a call outcome back into the breaker.
func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.state = breakerClosed
		return
	}

	if b.state == breakerHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.trip()
	}
}

func (b *breaker) trip() {
	b.state = breakerOpen
	b.openedAt = b.now()
	b.failures = 0
}
