package rpc

import (
	"sync"
	"time"

	"github.com/nodeflow/fiberd/metrics"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitHalfOpen
	circuitOpen
)

// overloadBreaker gates inbound connections while the dispatcher is
// saturated. It opens when the worker queue backs up, the workers are
// near-fully busy, or handler failures run in an unbroken streak; it
// recovers through single half-open probes, one connection in flight at
// a time, with the cooldown doubling on every failed probe up to a cap.
type overloadBreaker struct {
	mu    sync.Mutex
	state circuitState

	queueThreshold      int
	saturationThreshold float64

	failureStreak    int
	failureThreshold int

	cooldown     time.Duration
	baseCooldown time.Duration
	maxCooldown  time.Duration
	openedAt     time.Time

	probing bool
}

func newOverloadBreaker(queueThreshold int) *overloadBreaker {
	return &overloadBreaker{
		queueThreshold:      queueThreshold,
		saturationThreshold: 0.95,
		failureThreshold:    8,
		baseCooldown:        2 * time.Second,
		cooldown:            2 * time.Second,
		maxCooldown:         30 * time.Second,
	}
}

// admit decides whether a freshly accepted connection should be handed a
// fiber, given the current queue depth and worker saturation (0..1).
func (b *overloadBreaker) admit(queueDepth int, saturation float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer func() { metrics.RPCBreakerState.Set(float64(b.state)) }()

	switch b.state {
	case circuitOpen:
		if time.Since(b.openedAt) < b.cooldown {
			metrics.RPCConnectionsRejected.Inc()
			return false
		}
		b.state = circuitHalfOpen
		b.probing = false
		fallthrough
	case circuitHalfOpen:
		if b.probing {
			metrics.RPCConnectionsRejected.Inc()
			return false
		}
		b.probing = true
		return true
	}

	if queueDepth > b.queueThreshold || saturation > b.saturationThreshold {
		b.trip()
		metrics.RPCConnectionsRejected.Inc()
		return false
	}
	return true
}

// trip opens the circuit. Caller holds b.mu.
func (b *overloadBreaker) trip() {
	b.state = circuitOpen
	b.openedAt = time.Now()
	b.probing = false
}

// recordSuccess is called after a handler completes cleanly. The first
// success on a half-open probe closes the circuit and resets the
// cooldown to its base.
func (b *overloadBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureStreak = 0
	if b.state == circuitHalfOpen {
		b.state = circuitClosed
		b.cooldown = b.baseCooldown
		b.probing = false
		metrics.RPCBreakerState.Set(float64(b.state))
	}
}

// recordFailure is called when a handler errors. A failure during a
// half-open probe, or a streak of failureThreshold consecutive failures
// while closed, reopens the circuit with a doubled cooldown.
func (b *overloadBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureStreak++
	if b.state == circuitHalfOpen || b.failureStreak >= b.failureThreshold {
		b.trip()
		b.cooldown *= 2
		if b.cooldown > b.maxCooldown {
			b.cooldown = b.maxCooldown
		}
		b.failureStreak = 0
		metrics.RPCBreakerState.Set(float64(b.state))
	}
}
