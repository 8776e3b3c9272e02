// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package poll

import (
	"testing"
	"time"
)

func TestCircuitBreakerAllowsUntilThreshold(t *testing.T) {
	var b circuitBreaker
	now := time.Now()

	for i := 0; i < circuitBreakerThreshold-1; i++ {
		if !b.Allow(now) {
			t.Fatalf("breaker should still allow after %d failures", i)
		}
		b.RecordFailure(now)
	}

	if !b.Allow(now) {
		t.Fatal("breaker should still allow right before the threshold trips")
	}
	if b.IsOpen(now) {
		t.Fatal("breaker should not be open before the threshold trips")
	}
}

func TestCircuitBreakerTripsAtThreshold(t *testing.T) {
	var b circuitBreaker
	now := time.Now()

	for i := 0; i < circuitBreakerThreshold; i++ {
		b.RecordFailure(now)
	}

	if !b.IsOpen(now) {
		t.Fatal("expected breaker to be open after reaching the failure threshold")
	}
	if b.Allow(now) {
		t.Fatal("expected Allow to refuse while the breaker is open")
	}
}

func TestCircuitBreakerHalfOpensAfterCooldown(t *testing.T) {
	var b circuitBreaker
	now := time.Now()

	for i := 0; i < circuitBreakerThreshold; i++ {
		b.RecordFailure(now)
	}

	later := now.Add(circuitBreakerOpenFor + time.Millisecond)
	if !b.Allow(later) {
		t.Fatal("expected breaker to allow one trial attempt after the cooldown window")
	}
}

func TestCircuitBreakerSuccessResets(t *testing.T) {
	var b circuitBreaker
	now := time.Now()

	for i := 0; i < circuitBreakerThreshold-1; i++ {
		b.RecordFailure(now)
	}
	b.RecordSuccess()

	for i := 0; i < circuitBreakerThreshold-1; i++ {
		b.RecordFailure(now)
	}
	if b.IsOpen(now) {
		t.Fatal("a success should reset the failure count, not leave it primed to trip early")
	}
}
