// Package breaker implements a circuit breaker for the GC's
// server-to-server calls. When a downstream keeps failing, the breaker
// opens and callers fail fast instead of stacking up timed-out requests;
// after a cooldown a limited number of probes test for recovery.
package breaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without running the call while the breaker is open.
var ErrOpen = errors.New("circuit open")

// Breaker trips open after tripAfter consecutive failures and allows
// maxProbes trial calls once cooldown has passed.
type Breaker struct {
	name      string
	tripAfter int
	cooldown  time.Duration
	maxProbes int
	logger    *log.Logger
	nowFunc   func() time.Time

	mu          sync.Mutex
	state       State
	consecutive int
	openedAt    time.Time
	probes      int
}

// New builds a breaker. tripAfter and cooldown must be positive.
func New(name string, tripAfter int, cooldown time.Duration) *Breaker {
	return &Breaker{
		name:      name,
		tripAfter: tripAfter,
		cooldown:  cooldown,
		maxProbes: 1,
		logger:    log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
		nowFunc:   time.Now,
	}
}

// State reports the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.nowFunc().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Do runs fn unless the breaker is open. fn's error is returned as-is;
// ErrOpen means fn never ran.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.nowFunc().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		b.probes = 0
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.maxProbes {
			return ErrOpen
		}
		b.probes++
		return nil
	}
	return nil
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.consecutive = 0
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	b.consecutive++
	if b.state == StateHalfOpen || b.consecutive >= b.tripAfter {
		b.setState(StateOpen)
		b.openedAt = b.nowFunc()
		b.consecutive = 0
	}
}

// setState is called with the lock held.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.logger.Printf("%s: %s -> %s", b.name, b.state, s)
	b.state = s
}
