package recovery

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen rejects a call without attempting execution while the
// downstream target is considered down.
var ErrBreakerOpen = errors.New("recovery: circuit breaker open")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker guards one downstream execution target (one backend engine).
// Closed counts consecutive failures inside a rolling window; past the
// threshold it opens and rejects immediately. After the recovery timeout it
// half-opens and admits exactly one trial call: success closes it, failure
// reopens it.
type Breaker struct {
	mu sync.Mutex

	state       BreakerState
	consecutive int
	lastFailure time.Time
	openedAt    time.Time
	trial       bool
	trialAt     time.Time

	threshold       int
	window          time.Duration
	recoveryTimeout time.Duration
	now             func() time.Time
}

func NewBreaker(threshold int, window, recoveryTimeout time.Duration) *Breaker {
	return &Breaker{
		threshold:       threshold,
		window:          window,
		recoveryTimeout: recoveryTimeout,
		now:             time.Now,
	}
}

// Allow reports whether a call may proceed, claiming the half-open trial
// slot when applicable.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.recoveryTimeout {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.trial = true
		b.trialAt = b.now()
		return nil
	case BreakerHalfOpen:
		// A trial that never reported back (worker died, job cancelled) is
		// abandoned after the recovery timeout so the slot frees up again.
		if b.trial && b.now().Sub(b.trialAt) < b.recoveryTimeout {
			return ErrBreakerOpen
		}
		b.trial = true
		b.trialAt = b.now()
		return nil
	}
	return nil
}

// Success records a completed call and closes a half-open breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.trial = false
	b.state = BreakerClosed
}

// Failure records a failed call, opening the breaker when the consecutive
// count inside the rolling window crosses the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = now
		b.trial = false
		return
	}
	if b.window > 0 && !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.window {
		b.consecutive = 0
	}
	b.consecutive++
	b.lastFailure = now
	if b.consecutive >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = now
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerSet lazily creates one breaker per downstream target.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker

	threshold       int
	window          time.Duration
	recoveryTimeout time.Duration
}

func NewBreakerSet(threshold int, window, recoveryTimeout time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:        make(map[string]*Breaker),
		threshold:       threshold,
		window:          window,
		recoveryTimeout: recoveryTimeout,
	}
}

func (s *BreakerSet) For(target string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[target]
	if !ok {
		b = NewBreaker(s.threshold, s.window, s.recoveryTimeout)
		s.breakers[target] = b
	}
	return b
}
