// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package poll

import (
	"sync"
	"time"
)

const (
	circuitBreakerThreshold = 5
	circuitBreakerOpenFor   = 30 * time.Second
)

// circuitBreaker trips a connection's polling after a run of consecutive
// failures and holds it open for a cooldown window before allowing one
// more attempt through.
type circuitBreaker struct {
	mu          sync.Mutex
	failures    int
	openUntil   time.Time
}

// Allow reports whether a poll attempt should proceed. While open it
// returns false until openUntil has passed, at which point it allows one
// trial attempt (half-open).
func (b *circuitBreaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return true
	}
	return !now.Before(b.openUntil)
}

// RecordSuccess resets the breaker to fully closed.
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

// RecordFailure counts a failure and opens the breaker once the threshold
// is reached.
func (b *circuitBreaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= circuitBreakerThreshold {
		b.openUntil = now.Add(circuitBreakerOpenFor)
	}
}

// IsOpen reports the breaker's current state for status reporting.
func (b *circuitBreaker) IsOpen(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openUntil.IsZero() && now.Before(b.openUntil)
}
