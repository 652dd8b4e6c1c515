package notify

import (
	"errors"
	"log"
	"sync"
	"time"
)

// BreakerState is the circuit state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrBreakerOpen is returned while the circuit rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes a Breaker. Zero values take the defaults.
type BreakerConfig struct {
	// Name identifies the breaker in logs.
	Name string
	// TripAfter is the consecutive-failure count that opens the circuit
	// (default 5).
	TripAfter int
	// Cooldown is how long the circuit stays open before a half-open probe
	// (default 30 s).
	Cooldown time.Duration
}

func (c BreakerConfig) tripAfter() int {
	if c.TripAfter <= 0 {
		return 5
	}
	return c.TripAfter
}

func (c BreakerConfig) cooldown() time.Duration {
	if c.Cooldown <= 0 {
		return 30 * time.Second
	}
	return c.Cooldown
}

// Breaker is a consecutive-failure circuit breaker. Open rejects every call
// until the cooldown elapses; the next call is the half-open probe, and its
// outcome either closes or re-opens the circuit.
type Breaker struct {
	cfg    BreakerConfig
	logger *log.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
	nowFn    func() time.Time
}

// NewBreaker creates a breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
		state:  BreakerClosed,
		nowFn:  time.Now,
	}
}

// Allow reports whether a call may proceed right now.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.nowFn().Sub(b.openedAt) < b.cfg.cooldown() {
			return ErrBreakerOpen
		}
		b.setState(BreakerHalfOpen)
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.probing = false
		if success {
			b.failures = 0
			b.setState(BreakerClosed)
		} else {
			b.openedAt = b.nowFn()
			b.setState(BreakerOpen)
		}
		return
	}

	if success {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.cfg.tripAfter() {
		b.openedAt = b.nowFn()
		b.setState(BreakerOpen)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.logger.Printf("%s: %s -> %s", b.cfg.Name, b.state, s)
	b.state = s
}
