package rpc

import (
	"testing"
	"time"
)

func TestBreakerTripsOnBacklog(t *testing.T) {
	b := newOverloadBreaker(10)

	if !b.admit(5, 0.1) {
		t.Fatal("healthy breaker rejected a connection")
	}
	if b.admit(11, 0.1) {
		t.Fatal("admitted past the queue threshold")
	}
	if b.state != circuitOpen {
		t.Fatalf("state = %d after backlog trip, want open", b.state)
	}
	if b.admit(0, 0) {
		t.Fatal("admitted during cooldown")
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b := newOverloadBreaker(10)
	b.admit(11, 0.1) // trip
	b.openedAt = time.Now().Add(-b.cooldown - time.Second)

	if !b.admit(0, 0) {
		t.Fatal("cooldown elapsed but probe was rejected")
	}
	if b.state != circuitHalfOpen {
		t.Fatalf("state = %d after probe admit, want half-open", b.state)
	}
	if b.admit(0, 0) {
		t.Fatal("second connection admitted while a probe is in flight")
	}

	b.recordSuccess()
	if b.state != circuitClosed {
		t.Fatalf("state = %d after probe success, want closed", b.state)
	}
	if b.cooldown != b.baseCooldown {
		t.Fatalf("cooldown = %v after recovery, want base %v", b.cooldown, b.baseCooldown)
	}
}

func TestBreakerProbeFailureBacksOff(t *testing.T) {
	b := newOverloadBreaker(10)
	b.admit(11, 0.1) // trip
	b.openedAt = time.Now().Add(-b.cooldown - time.Second)
	b.admit(0, 0) // half-open probe

	before := b.cooldown
	b.recordFailure()
	if b.state != circuitOpen {
		t.Fatalf("state = %d after probe failure, want open", b.state)
	}
	if b.cooldown != 2*before {
		t.Fatalf("cooldown = %v after probe failure, want %v", b.cooldown, 2*before)
	}
}

func TestBreakerFailureStreakTrips(t *testing.T) {
	b := newOverloadBreaker(10)

	for i := 0; i < b.failureThreshold-1; i++ {
		b.recordFailure()
	}
	if b.state != circuitClosed {
		t.Fatalf("state = %d below the failure threshold, want closed", b.state)
	}
	b.recordFailure()
	if b.state != circuitOpen {
		t.Fatalf("state = %d at the failure threshold, want open", b.state)
	}

	// A success anywhere in the streak resets the count.
	b2 := newOverloadBreaker(10)
	for i := 0; i < b2.failureThreshold-1; i++ {
		b2.recordFailure()
	}
	b2.recordSuccess()
	b2.recordFailure()
	if b2.state != circuitClosed {
		t.Fatalf("state = %d after a streak broken by success, want closed", b2.state)
	}
}

func TestBreakerCooldownCapped(t *testing.T) {
	b := newOverloadBreaker(10)
	for i := 0; i < 10; i++ {
		b.admit(11, 0.1) // ensure open
		b.openedAt = time.Now().Add(-b.cooldown - time.Second)
		b.admit(0, 0) // probe
		b.recordFailure()
	}
	if b.cooldown > b.maxCooldown {
		t.Fatalf("cooldown = %v, want capped at %v", b.cooldown, b.maxCooldown)
	}
}
